package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agency-backend/internal/config"
	"agency-backend/internal/database"
	"agency-backend/internal/handlers"
	"agency-backend/internal/middleware"
	"agency-backend/internal/models"
	"agency-backend/internal/repository"
	"agency-backend/internal/router"
	"agency-backend/internal/services"
	"agency-backend/internal/websocket"
	"agency-backend/internal/worker"
	"agency-backend/migrations"
)

type chatRepository interface {
	Create(ctx context.Context, m *models.ChatMessage) error
	ListBySession(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	ListSessions(ctx context.Context, limit int) ([]models.SessionSummary, error)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "agency-backend").Logger()
}

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	logger.Info().Str("env", cfg.Env).Msg("starting agency backend")

	// ──── Step 2: Message Store ────
	var store chatRepository
	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgresPool(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("PostgreSQL connection failed")
		}
		defer pool.Close()

		if err := database.RunMigrations(pool, migrations.FS, logger); err != nil {
			logger.Fatal().Err(err).Msg("database migration failed")
		}
		store = repository.NewChatRepo(pool)
		logger.Info().Msg("PostgreSQL connected, migrations applied")
	} else {
		store = repository.NewMemoryChatRepo()
		logger.Warn().Msg("DATABASE_URL not set, chat history is kept in memory")
	}

	// ──── Step 3: Redis (optional cross-instance fan-out) ────
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Msg("Redis connected")
	}

	// ──── Step 4: Responder ────
	var responder services.Responder
	switch {
	case cfg.WebhookURL != "":
		responder = services.NewWebhookResponder(cfg.WebhookURL, cfg.WebhookTimeout)
		logger.Info().Str("url", cfg.WebhookURL).Dur("timeout", cfg.WebhookTimeout).Msg("using webhook responder")
	case cfg.GeminiAPIKey != "":
		gemini, err := services.NewGeminiResponder(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Fatal().Err(err).Msg("Gemini client initialization failed")
		}
		defer gemini.Close()
		responder = gemini
		logger.Info().Str("model", cfg.GeminiModel).Msg("using Gemini responder")
	default:
		logger.Warn().Msg("no CHAT_WEBHOOK_URL or GEMINI_API_KEY, every reply will be the fallback text")
	}
	gateway := services.NewGateway(responder, cfg.WebhookTimeout, logger)

	// ──── Step 5: Realtime hub ────
	wsHub := websocket.NewHub(redisClient, cfg.FrontendURL, logger)

	// ──── Step 6: Services ────
	chatService := services.NewChatService(store, gateway, wsHub, logger)

	var workerPool *worker.Pool
	if cfg.WebhookMode == config.WebhookModeAsync {
		workerPool = worker.NewPool(cfg.ChatWorkers, cfg.ChatWorkers*16, logger)
		workerPool.Start()
		chatService.UseAsync(workerPool)
	}

	adminSessions := middleware.NewAdminSessions(cfg.SessionSecret, cfg.SessionTTL, !cfg.IsDevelopment())
	adminAuth, err := services.NewAdminAuthService(cfg.AdminPasswordHash, cfg.AdminPassword, adminSessions, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("admin auth initialization failed")
	}
	if !adminAuth.Enabled() {
		logger.Warn().Msg("admin login disabled: set ADMIN_PASSWORD_HASH or ADMIN_PASSWORD")
	}

	// ──── Step 7: HTTP Server ────
	chatLimiter := middleware.NewRateLimiter(cfg.ChatRateLimit, time.Minute)
	defer chatLimiter.Stop()

	r := router.New(
		logger,
		adminSessions,
		handlers.NewChatHandler(chatService),
		handlers.NewAdminHandler(adminAuth, adminSessions, store),
		chatLimiter,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WebhookTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		wsHub.Shutdown()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("HTTP shutdown did not complete")
		}
		if workerPool != nil {
			workerPool.Stop(cfg.WebhookTimeout)
		}
	}()

	logger.Info().
		Str("api", fmt.Sprintf("http://localhost:%s/api/chat", cfg.Port)).
		Str("ws", fmt.Sprintf("ws://localhost:%s/ws/chat", cfg.Port)).
		Msg("agency backend ready")

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server error")
	}
	<-shutdownDone
}
