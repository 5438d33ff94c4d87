package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	WebhookModeSync  = "sync"
	WebhookModeAsync = "async"
)

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database (empty → in-memory store)
	DatabaseURL string

	// Redis (empty → single-instance registry)
	RedisURL string

	// Responder
	WebhookURL     string
	WebhookTimeout time.Duration
	WebhookMode    string
	ChatWorkers    int
	GeminiAPIKey   string
	GeminiModel    string

	// Admin
	AdminPasswordHash string
	AdminPassword     string
	SessionSecret     string
	SessionTTL        time.Duration

	// Limits
	ChatRateLimit int

	// Frontend
	FrontendURL string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	godotenv.Load()

	sessionSecret, err := requireEnv("SESSION_SECRET")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:              getEnvOrDefault("PORT", "5000"),
		Env:               getEnvOrDefault("ENV", "development"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:          getEnvOrDefault("REDIS_URL", ""),
		WebhookURL:        getEnvOrDefault("CHAT_WEBHOOK_URL", ""),
		WebhookTimeout:    getEnvAsDurationOrDefault("CHAT_WEBHOOK_TIMEOUT", 30*time.Second),
		WebhookMode:       strings.ToLower(getEnvOrDefault("CHAT_WEBHOOK_MODE", WebhookModeSync)),
		ChatWorkers:       getEnvAsIntOrDefault("CHAT_WORKERS", 4),
		GeminiAPIKey:      getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:       getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		AdminPasswordHash: getEnvOrDefault("ADMIN_PASSWORD_HASH", ""),
		AdminPassword:     getEnvOrDefault("ADMIN_PASSWORD", ""),
		SessionSecret:     sessionSecret,
		SessionTTL:        getEnvAsDurationOrDefault("SESSION_TTL", 24*time.Hour),
		ChatRateLimit:     getEnvAsIntOrDefault("CHAT_RATE_LIMIT", 30),
		FrontendURL:       getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WebhookMode != WebhookModeSync && c.WebhookMode != WebhookModeAsync {
		return fmt.Errorf("invalid CHAT_WEBHOOK_MODE %q: must be %q or %q", c.WebhookMode, WebhookModeSync, WebhookModeAsync)
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("CHAT_WEBHOOK_TIMEOUT must be positive")
	}
	if c.ChatWorkers < 1 {
		c.ChatWorkers = 1
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func requireEnv(key string) (string, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("45s") or a bare number of seconds.
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
