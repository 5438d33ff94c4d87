package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// Assistant texts used when the responder cannot produce a real answer.
const (
	FallbackEmptyReply  = "Desculpe, não consegui gerar uma resposta agora. Pode reformular sua pergunta?"
	FallbackErrorStatus = "Desculpe, nosso assistente está com instabilidade no momento. Tente novamente em alguns instantes."
	FallbackUnreachable = "Desculpe, não foi possível conectar ao nosso assistente. Tente novamente mais tarde ou fale conosco pelo formulário de contato."
)

const maxReplyBytes = 64 << 10

// Responder turns one user message into assistant text.
type Responder interface {
	Reply(ctx context.Context, sessionID, message string) (string, error)
}

// StatusError is returned when the upstream answered with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("responder returned status %d", e.StatusCode)
}

var ErrResponderUnavailable = errors.New("no responder configured")

// ErrUnusableReply marks a reply that cannot be stored as message text: too
// large or not valid UTF-8.
var ErrUnusableReply = errors.New("unusable reply")

// WebhookResponder posts the message to an automation webhook and uses the
// response body verbatim as the reply.
type WebhookResponder struct {
	url    string
	client *http.Client
}

func NewWebhookResponder(url string, timeout time.Duration) *WebhookResponder {
	return &WebhookResponder{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (w *WebhookResponder) Reply(ctx context.Context, sessionID, message string) (string, error) {
	body, err := json.Marshal(webhookPayload{
		SessionID: sessionID,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBytes))
		return "", &StatusError{StatusCode: resp.StatusCode}
	}

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes+1))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w", err)
	}
	if len(reply) > maxReplyBytes {
		return "", fmt.Errorf("webhook reply exceeds %d bytes: %w", maxReplyBytes, ErrUnusableReply)
	}
	return string(reply), nil
}

type unavailableResponder struct{}

func (unavailableResponder) Reply(context.Context, string, string) (string, error) {
	return "", ErrResponderUnavailable
}

// Gateway wraps a Responder so that every call yields assistant text: fallback
// messages replace empty replies and failures. It never retries.
type Gateway struct {
	responder Responder
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewGateway returns a gateway over responder; a nil responder always yields the
// unreachable fallback.
func NewGateway(responder Responder, timeout time.Duration, logger zerolog.Logger) *Gateway {
	if responder == nil {
		responder = unavailableResponder{}
	}
	return &Gateway{
		responder: responder,
		timeout:   timeout,
		logger:    logger.With().Str("component", "responder").Logger(),
	}
}

func (g *Gateway) Respond(ctx context.Context, sessionID, message string) string {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	reply, err := g.responder.Reply(ctx, sessionID, message)
	elapsed := time.Since(start)

	var statusErr *StatusError
	switch {
	case errors.Is(err, ErrUnusableReply):
		g.logger.Error().Err(err).Str("session", sessionID).Msg("responder reply rejected")
		return FallbackEmptyReply
	case errors.As(err, &statusErr):
		g.logger.Error().Int("status", statusErr.StatusCode).Str("session", sessionID).Dur("elapsed", elapsed).Msg("responder returned error status")
		return FallbackErrorStatus
	case err != nil:
		g.logger.Error().Err(err).Str("session", sessionID).Dur("elapsed", elapsed).Msg("responder unreachable")
		return FallbackUnreachable
	}

	if strings.TrimSpace(reply) == "" {
		g.logger.Warn().Str("session", sessionID).Msg("responder returned an empty reply")
		return FallbackEmptyReply
	}
	if !utf8.ValidString(reply) {
		g.logger.Error().Str("session", sessionID).Int("length", len(reply)).Msg("responder reply is not valid UTF-8")
		return FallbackEmptyReply
	}

	g.logger.Debug().Str("session", sessionID).Dur("elapsed", elapsed).Int("length", len(reply)).Msg("responder replied")
	return reply
}
