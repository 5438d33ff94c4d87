package widget

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agency-backend/internal/handlers"
	"agency-backend/internal/middleware"
	"agency-backend/internal/models"
	"agency-backend/internal/realtime"
	"agency-backend/internal/repository"
	"agency-backend/internal/router"
	"agency-backend/internal/services"
	"agency-backend/internal/websocket"
)

func newStack(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Olá! Como posso ajudar?"))
	}))
	t.Cleanup(webhook.Close)

	store := repository.NewMemoryChatRepo()
	hub := websocket.NewHub(nil, "", logger)
	t.Cleanup(hub.Shutdown)
	gw := services.NewGateway(services.NewWebhookResponder(webhook.URL, time.Second), time.Second, logger)
	chat := services.NewChatService(store, gw, hub, logger)

	sessions := middleware.NewAdminSessions("secret", time.Hour, false)
	auth, _ := services.NewAdminAuthService("", "", sessions, nil)
	limiter := middleware.NewRateLimiter(100, time.Minute)
	t.Cleanup(limiter.Stop)

	srv := httptest.NewServer(router.New(logger, sessions,
		handlers.NewChatHandler(chat),
		handlers.NewAdminHandler(auth, sessions, store),
		limiter, hub, ""))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPAPI_SendAndHistory(t *testing.T) {
	srv := newStack(t)
	api := NewHTTPAPI(srv.URL+"/", time.Second)

	resp, err := api.Send(context.Background(), "s1", "oi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.UserMessage == nil || resp.AIMessage == nil {
		t.Fatalf("unexpected response %+v", resp)
	}

	messages, err := api.History(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[1].Message != "Olá! Como posso ajudar?" {
		t.Fatalf("unexpected history %+v", messages)
	}
}

func TestHTTPAPI_ValidationError(t *testing.T) {
	srv := newStack(t)
	api := NewHTTPAPI(srv.URL, time.Second)

	_, err := api.Send(context.Background(), "s1", "")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusBadRequest || reqErr.APIError.Code != "VALIDATION_ERROR" {
		t.Fatalf("unexpected error %+v", reqErr)
	}
}

type tab struct {
	ctrl     *Controller
	mgr      *realtime.Manager
	pushes   atomic.Int32
	joinOnce sync.Once
	joined   chan struct{}
	stopped  chan struct{}
}

func openTab(t *testing.T, srv *httptest.Server, sessionID string) *tab {
	t.Helper()
	api := NewHTTPAPI(srv.URL, time.Second)
	tb := &tab{
		ctrl:    NewController(api, sessionID, Options{}, zerolog.Nop()),
		mgr:     realtime.New(realtime.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat", SessionID: sessionID}, zerolog.Nop()),
		joined:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	t.Cleanup(func() {
		tb.mgr.Close()
		<-tb.stopped
		tb.ctrl.Close()
	})

	go func() {
		defer close(tb.stopped)
		for {
			select {
			case <-tb.mgr.Done():
				return
			case ev := <-tb.mgr.Events():
				if ev.Type == realtime.EventMessage {
					switch ev.Frame.Type {
					case models.FrameSessionJoined:
						tb.joinOnce.Do(func() { close(tb.joined) })
					case models.FrameNewMessage:
						tb.pushes.Add(1)
					}
				}
				tb.ctrl.HandleEvent(context.Background(), ev)
			}
		}
	}()

	tb.mgr.Start()
	select {
	case <-tb.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("tab never joined its session")
	}
	return tb
}

func TestWidget_TwoTabsSeeOnePushAndSameLog(t *testing.T) {
	srv := newStack(t)
	a := openTab(t, srv, "s2")
	b := openTab(t, srv, "s2")

	if err := a.ctrl.Submit(context.Background(), "quanto custa um site?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for (a.pushes.Load() < 1 || b.pushes.Load() < 1 || len(b.ctrl.Messages()) < 2) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if a.pushes.Load() != 1 || b.pushes.Load() != 1 {
		t.Fatalf("expected exactly one push per tab, got a=%d b=%d", a.pushes.Load(), b.pushes.Load())
	}

	ma, mb := a.ctrl.Messages(), b.ctrl.Messages()
	if len(ma) != 2 || len(mb) != 2 {
		t.Fatalf("expected both logs to hold 2 messages, got %d and %d", len(ma), len(mb))
	}
	for i := range ma {
		if ma[i].ID != mb[i].ID {
			t.Fatalf("logs differ at %d", i)
		}
	}
	if !ma[0].IsUser || ma[1].IsUser {
		t.Fatal("log out of order")
	}
	if a.ctrl.Typing() || b.ctrl.Typing() {
		t.Fatal("no tab should be left typing")
	}
}
