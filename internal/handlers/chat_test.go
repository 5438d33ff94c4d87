package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agency-backend/internal/models"
	"agency-backend/internal/repository"
	"agency-backend/internal/services"
)

type stubChatService struct {
	lastReq     models.SendChatRequest
	lastSession string
	result      *services.SendResult
	history     []models.ChatMessage
	err         error
}

func (s *stubChatService) Send(ctx context.Context, req models.SendChatRequest) (*services.SendResult, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubChatService) History(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	s.lastSession = sessionID
	if s.err != nil {
		return nil, s.err
	}
	return s.history, nil
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestChatHandler_SendAcceptsStringFlag(t *testing.T) {
	user := &models.ChatMessage{ID: uuid.New(), SessionID: "s1", Message: "oi", IsUser: true}
	ai := &models.ChatMessage{ID: uuid.New(), SessionID: "s1", Message: "Olá!", IsUser: false}
	svc := &stubChatService{result: &services.SendResult{UserMessage: user, AIMessage: ai}}
	h := NewChatHandler(svc)

	body := []byte(`{"sessionId":"s1","message":"oi","isUser":"true"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.Send(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !svc.lastReq.IsUser.Set || !svc.lastReq.IsUser.Value {
		t.Fatalf("expected isUser \"true\" to decode as true, got %+v", svc.lastReq.IsUser)
	}

	var resp map[string]json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(resp["success"]) != "true" {
		t.Fatalf("expected success=true, got %s", resp["success"])
	}
	if _, ok := resp["aiMessage"]; !ok {
		t.Fatal("expected aiMessage in sync response")
	}
	if _, ok := resp["awaitingWebhook"]; ok {
		t.Fatal("awaitingWebhook should be omitted in sync response")
	}
}

func TestChatHandler_SendAwaitingWebhook(t *testing.T) {
	user := &models.ChatMessage{ID: uuid.New(), SessionID: "s1", Message: "oi", IsUser: true}
	svc := &stubChatService{result: &services.SendResult{UserMessage: user, AwaitingWebhook: true}}
	h := NewChatHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{"sessionId":"s1","message":"oi"}`)))
	rr := httptest.NewRecorder()
	h.Send(rr, req)

	var resp models.SendChatResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.AwaitingWebhook || resp.AIMessage != nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestChatHandler_SendInvalidBody(t *testing.T) {
	h := NewChatHandler(&stubChatService{})

	tests := []struct {
		body  string
		field string
	}{
		{`not json`, "body"},
		{`{"sessionId":"s1","message":"oi","isUser":"maybe"}`, "body"},
		{`{"sessionId":"s1","message":"oi","isUser":5}`, "body"},
		{`{"sessionId":42,"message":"oi"}`, "sessionId"},
	}

	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(tc.body)))
		rr := httptest.NewRecorder()
		h.Send(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", tc.body, rr.Code)
		}

		var resp models.ErrorResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Error.Code != "VALIDATION_ERROR" || resp.Error.Fields[tc.field] == "" {
			t.Fatalf("body %q: expected a %q field error, got %+v", tc.body, tc.field, resp.Error)
		}
	}
}

func TestChatHandler_SendValidationErrorHasFields(t *testing.T) {
	svc := &stubChatService{err: &services.ValidationError{Fields: map[string]string{"message": "Message is required"}}}
	h := NewChatHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{"sessionId":"s1","message":""}`)))
	req.Header.Set("X-Request-ID", "req-1")
	rr := httptest.NewRecorder()
	h.Send(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp models.ErrorResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Success || resp.Error.Code != "VALIDATION_ERROR" || resp.Error.Fields["message"] == "" {
		t.Fatalf("unexpected error body %+v", resp)
	}
	if resp.Error.RequestID != "req-1" {
		t.Fatalf("expected request id to be echoed, got %q", resp.Error.RequestID)
	}
}

func TestChatHandler_UnexpectedErrorIs500(t *testing.T) {
	h := NewChatHandler(&stubChatService{err: errors.New("db down")})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte(`{"sessionId":"s1","message":"oi"}`)))
	rr := httptest.NewRecorder()
	h.Send(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("db down")) {
		t.Fatal("internal error detail leaked to client")
	}
}

func TestChatHandler_HistoryUsesPathParam(t *testing.T) {
	svc := &stubChatService{history: []models.ChatMessage{}}
	h := NewChatHandler(svc)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/chat/s1", nil), "sessionId", "s1")
	rr := httptest.NewRecorder()
	h.History(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.lastSession != "s1" {
		t.Fatalf("expected session s1, got %q", svc.lastSession)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`"messages":[]`)) {
		t.Fatalf("expected empty messages array, got %s", rr.Body.String())
	}
}

// The two end-to-end scenarios run against the real service and memory store.
func newScenarioRouter(t *testing.T, webhook http.HandlerFunc) http.Handler {
	t.Helper()
	var responder services.Responder
	if webhook != nil {
		srv := httptest.NewServer(webhook)
		t.Cleanup(srv.Close)
		responder = services.NewWebhookResponder(srv.URL, time.Second)
	} else {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		responder = services.NewWebhookResponder(url, time.Second)
	}

	gw := services.NewGateway(responder, time.Second, zerolog.Nop())
	svc := services.NewChatService(repository.NewMemoryChatRepo(), gw, nopBroadcaster{}, zerolog.Nop())
	h := NewChatHandler(svc)

	r := chi.NewRouter()
	r.Get("/api/chat/{sessionId}", h.History)
	r.Post("/api/chat", h.Send)
	return r
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, interface{}) {}

func postAndFetch(t *testing.T, r http.Handler) []models.ChatMessage {
	t.Helper()
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/chat",
		bytes.NewReader([]byte(`{"sessionId":"s1","message":"hello","isUser":"true"}`))))
	if rr.Code != http.StatusOK {
		t.Fatalf("post: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/chat/s1", nil))
	var resp models.ChatHistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success")
	}
	return resp.Messages
}

func TestChatFlow_UnreachableWebhook(t *testing.T) {
	messages := postAndFetch(t, newScenarioRouter(t, nil))

	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if !messages[0].IsUser || messages[0].Message != "hello" {
		t.Fatalf("unexpected first message %+v", messages[0])
	}
	if messages[1].IsUser || messages[1].Message != services.FallbackUnreachable {
		t.Fatalf("unexpected second message %+v", messages[1])
	}
}

func TestChatFlow_WebhookErrorStatus(t *testing.T) {
	messages := postAndFetch(t, newScenarioRouter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[1].Message != services.FallbackErrorStatus {
		t.Fatalf("expected error-status fallback, got %q", messages[1].Message)
	}
	if messages[1].Message == services.FallbackUnreachable {
		t.Fatal("error status must not use the unreachable text")
	}
}
