package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"agency-backend/internal/models"
)

const (
	maxSessionIDLength = 128
	maxMessageLength   = 4000
	persistTimeout     = 10 * time.Second
)

type chatStore interface {
	Create(ctx context.Context, m *models.ChatMessage) error
	ListBySession(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

type broadcaster interface {
	Broadcast(sessionID string, event interface{})
}

// JobSubmitter runs jobs off the request path. Submit reports false when the
// job was not accepted.
type JobSubmitter interface {
	Submit(job func(ctx context.Context)) bool
}

type SendResult struct {
	UserMessage     *models.ChatMessage
	AIMessage       *models.ChatMessage
	AwaitingWebhook bool
}

// ChatService persists user messages, obtains exactly one assistant reply per
// message and pushes that reply to the session's live connections.
type ChatService struct {
	store   chatStore
	gateway *Gateway
	hub     broadcaster
	async   JobSubmitter
	logger  zerolog.Logger
}

func NewChatService(store chatStore, gateway *Gateway, hub broadcaster, logger zerolog.Logger) *ChatService {
	return &ChatService{
		store:   store,
		gateway: gateway,
		hub:     hub,
		logger:  logger.With().Str("component", "chat").Logger(),
	}
}

// UseAsync defers the responder call to jobs. With no submitter (the default)
// Send waits for the reply.
func (s *ChatService) UseAsync(jobs JobSubmitter) {
	s.async = jobs
}

func validateSend(req models.SendChatRequest) map[string]string {
	fieldErrors := make(map[string]string)

	sessionID := strings.TrimSpace(req.SessionID)
	switch {
	case sessionID == "":
		fieldErrors["sessionId"] = "Session ID is required"
	case len(sessionID) > maxSessionIDLength:
		fieldErrors["sessionId"] = fmt.Sprintf("Session ID must be at most %d characters", maxSessionIDLength)
	}

	message := strings.TrimSpace(req.Message)
	switch {
	case message == "":
		fieldErrors["message"] = "Message is required"
	case utf8.RuneCountInString(message) > maxMessageLength:
		fieldErrors["message"] = fmt.Sprintf("Message must be at most %d characters", maxMessageLength)
	}

	if req.IsUser.Set && !req.IsUser.Value {
		fieldErrors["isUser"] = "Only user messages can be posted"
	}

	return fieldErrors
}

func (s *ChatService) Send(ctx context.Context, req models.SendChatRequest) (*SendResult, error) {
	if fieldErrors := validateSend(req); len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	userMsg := &models.ChatMessage{
		SessionID: strings.TrimSpace(req.SessionID),
		Message:   strings.TrimSpace(req.Message),
		IsUser:    true,
	}
	if err := s.store.Create(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	result := &SendResult{UserMessage: userMsg}

	if s.async != nil {
		queued := *userMsg
		accepted := s.async.Submit(func(jobCtx context.Context) {
			if _, err := s.reply(jobCtx, queued); err != nil {
				s.logger.Error().Err(err).Str("session", queued.SessionID).Msg("deferred reply failed")
			}
		})
		if accepted {
			result.AwaitingWebhook = true
			return result, nil
		}
		s.logger.Warn().Str("session", userMsg.SessionID).Msg("reply queue unavailable, answering inline")
	}

	aiMsg, err := s.reply(ctx, *userMsg)
	if err != nil {
		return nil, err
	}
	result.AIMessage = aiMsg
	return result, nil
}

// reply runs the gateway, persists the assistant message and broadcasts it.
// Persistence is detached from ctx so a caller that went away mid-call still
// leaves the log advanced.
func (s *ChatService) reply(ctx context.Context, userMsg models.ChatMessage) (*models.ChatMessage, error) {
	text := s.gateway.Respond(ctx, userMsg.SessionID, userMsg.Message)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	aiMsg := &models.ChatMessage{
		SessionID: userMsg.SessionID,
		Message:   text,
		IsUser:    false,
	}
	if err := s.store.Create(saveCtx, aiMsg); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}

	s.hub.Broadcast(aiMsg.SessionID, models.NewMessageFrame(*aiMsg))
	return aiMsg, nil
}

func (s *ChatService) History(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, &ValidationError{Fields: map[string]string{"sessionId": "Session ID is required"}}
	}

	messages, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	return messages, nil
}
