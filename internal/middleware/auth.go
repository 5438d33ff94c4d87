package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const AdminSubjectKey contextKey = "admin_subject"

const AdminCookieName = "admin_session"

// AdminSessions issues and verifies the signed cookie that carries an admin
// login. The cookie value is an HS256 JWT.
type AdminSessions struct {
	Secret []byte
	TTL    time.Duration
	Secure bool
}

func NewAdminSessions(secret string, ttl time.Duration, secure bool) *AdminSessions {
	return &AdminSessions{Secret: []byte(secret), TTL: ttl, Secure: secure}
}

// Issue signs a session token for subject.
func (s *AdminSessions) Issue(subject string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify returns the claims of a valid, unexpired token.
func (s *AdminSessions) Verify(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func (s *AdminSessions) SetCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *AdminSessions) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware rejects requests without a valid admin session cookie and
// attaches the session claims to the context.
func (s *AdminSessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(AdminCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Admin login required", r)
			return
		}

		claims, err := s.Verify(cookie.Value)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "Admin session has expired", r)
			} else {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid admin session", r)
			}
			return
		}

		ctx := context.WithValue(r.Context(), AdminSubjectKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAdminClaims extracts the session claims set by Middleware.
func GetAdminClaims(ctx context.Context) *jwt.RegisteredClaims {
	claims, _ := ctx.Value(AdminSubjectKey).(*jwt.RegisteredClaims)
	return claims
}

func writeError(w http.ResponseWriter, status int, code, message string, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":       code,
			"message":    message,
			"request_id": requestID,
		},
	})
}
