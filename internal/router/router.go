package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"agency-backend/internal/handlers"
	"agency-backend/internal/middleware"
	"agency-backend/internal/websocket"
)

func New(
	logger zerolog.Logger,
	adminSessions *middleware.AdminSessions,
	chatHandler *handlers.ChatHandler,
	adminHandler *handlers.AdminHandler,
	chatLimiter *middleware.RateLimiter,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.CustomHeaderHandler("request_id", middleware.RequestIDHeader))
	r.Use(middleware.CORS(frontendURL))

	// ──── Realtime ────
	r.Get("/ws/chat", wsHub.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}))

		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})

		// ──── Chat Routes (public) ────
		r.Route("/api/chat", func(r chi.Router) {
			r.Get("/{sessionId}", chatHandler.History)
			r.With(chatLimiter.Middleware).Post("/", chatHandler.Send)
		})

		// ──── Admin Routes ────
		r.Route("/api/admin", func(r chi.Router) {
			r.With(chatLimiter.Middleware).Post("/login", adminHandler.Login)
			r.Post("/logout", adminHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(adminSessions.Middleware)
				r.Get("/me", adminHandler.Me)
				r.Get("/chat/sessions", adminHandler.ListSessions)
				r.Get("/chat/sessions/{sessionId}", adminHandler.GetSession)
			})
		})
	})

	return r
}
