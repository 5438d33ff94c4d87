package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"agency-backend/internal/middleware"
	"agency-backend/internal/models"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 200
)

type adminAuth interface {
	Login(ctx context.Context, clientKey string, req models.AdminLoginRequest) (string, *models.AdminSession, error)
}

type sessionReader interface {
	ListSessions(ctx context.Context, limit int) ([]models.SessionSummary, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

// AdminHandler serves the read-only conversation views of the admin dashboard.
type AdminHandler struct {
	auth     adminAuth
	sessions *middleware.AdminSessions
	store    sessionReader
}

func NewAdminHandler(auth adminAuth, sessions *middleware.AdminSessions, store sessionReader) *AdminHandler {
	return &AdminHandler{auth: auth, sessions: sessions, store: store}
}

func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.AdminLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	token, session, err := h.auth.Login(r.Context(), clientKey(r), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	h.sessions.SetCookie(w, token, session.ExpiresAt)
	writeJSON(w, http.StatusOK, models.AdminSessionResponse{Success: true, Session: session})
}

func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AdminHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetAdminClaims(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, errorResp("UNAUTHORIZED", "Admin login required", r))
		return
	}

	session := &models.AdminSession{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, models.AdminSessionResponse{Success: true, Session: session})
}

func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSessionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
				map[string]string{"limit": "Limit must be a positive integer"}, r))
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := h.store.ListSessions(r.Context(), limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.SessionListResponse{Success: true, Sessions: sessions})
}

func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))

	messages, err := h.store.ListBySession(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if len(messages) == 0 {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Conversation not found", r))
		return
	}
	writeJSON(w, http.StatusOK, models.ChatHistoryResponse{Success: true, Messages: messages})
}

// clientKey identifies the caller for login throttling. RealIP has already
// rewritten RemoteAddr from forwarding headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
