package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"agency-backend/internal/models"
	"agency-backend/internal/services"
)

type chatService interface {
	Send(ctx context.Context, req models.SendChatRequest) (*services.SendResult, error)
	History(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

type ChatHandler struct {
	chat chatService
}

func NewChatHandler(chat chatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

// History handles GET /api/chat/{sessionId}.
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chat.History(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.ChatHistoryResponse{
		Success:  true,
		Messages: messages,
	})
}

// Send handles POST /api/chat. In sync mode the response carries the
// assistant reply; in async mode it only reports awaitingWebhook.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req models.SendChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	result, err := h.chat.Send(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SendChatResponse{
		Success:         true,
		UserMessage:     result.UserMessage,
		AIMessage:       result.AIMessage,
		AwaitingWebhook: result.AwaitingWebhook,
	})
}
