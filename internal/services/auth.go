package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"agency-backend/internal/middleware"
	"agency-backend/internal/models"
)

const (
	adminSubject      = "admin"
	maxLoginFailures  = 5
	loginFailureTTL   = 15 * time.Minute
	loginFailurePrefx = "admin_login_fail:"
)

// AdminAuthService checks the single admin password and issues cookie
// sessions for the read-only dashboard.
type AdminAuthService struct {
	hash     []byte
	sessions *middleware.AdminSessions
	redis    *redis.Client
}

// NewAdminAuthService prefers a bcrypt hash; a plain password is hashed once at
// startup. With neither, Login always fails with ForbiddenError.
func NewAdminAuthService(passwordHash, password string, sessions *middleware.AdminSessions, redisClient *redis.Client) (*AdminAuthService, error) {
	s := &AdminAuthService{sessions: sessions, redis: redisClient}

	switch {
	case passwordHash != "":
		if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
			return nil, fmt.Errorf("invalid ADMIN_PASSWORD_HASH: %w", err)
		}
		s.hash = []byte(passwordHash)
	case password != "":
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash admin password: %w", err)
		}
		s.hash = hash
	}

	return s, nil
}

func (s *AdminAuthService) Enabled() bool {
	return len(s.hash) > 0
}

// Login verifies password and returns a signed session token. clientKey
// identifies the caller for failed-attempt throttling when Redis is present.
func (s *AdminAuthService) Login(ctx context.Context, clientKey string, req models.AdminLoginRequest) (string, *models.AdminSession, error) {
	if !s.Enabled() {
		return "", nil, &ForbiddenError{Message: "Admin login is not configured"}
	}
	if strings.TrimSpace(req.Password) == "" {
		return "", nil, &ValidationError{Fields: map[string]string{"password": "Password is required"}}
	}

	// throttling fails open: a Redis outage is logged, never blocks login
	logger := zerolog.Ctx(ctx)
	failKey := loginFailurePrefx + clientKey
	if s.redis != nil {
		failures, err := s.redis.Get(ctx, failKey).Int()
		switch {
		case err == nil && failures >= maxLoginFailures:
			return "", nil, &RateLimitError{Message: "Too many failed login attempts. Please try again later."}
		case err != nil && !errors.Is(err, redis.Nil):
			logger.Error().Err(err).Str("key", failKey).Msg("failed to read admin login failures")
		}
	}

	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(req.Password)); err != nil {
		if s.redis != nil {
			pipe := s.redis.TxPipeline()
			pipe.Incr(ctx, failKey)
			pipe.Expire(ctx, failKey, loginFailureTTL)
			if _, err := pipe.Exec(ctx); err != nil {
				logger.Error().Err(err).Str("key", failKey).Msg("failed to record admin login failure")
			}
		}
		return "", nil, &UnauthorizedError{Message: "Invalid password"}
	}

	if s.redis != nil {
		if err := s.redis.Del(ctx, failKey).Err(); err != nil {
			logger.Error().Err(err).Str("key", failKey).Msg("failed to reset admin login failures")
		}
	}

	token, expiresAt, err := s.sessions.Issue(adminSubject)
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue admin session: %w", err)
	}

	return token, &models.AdminSession{Subject: adminSubject, ExpiresAt: expiresAt}, nil
}
