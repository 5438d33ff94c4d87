package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"agency-backend/internal/models"
	serverws "agency-backend/internal/websocket"
)

// testServer upgrades every request and hands the connection to onConn.
type testServer struct {
	*httptest.Server
	dials  atomic.Int32
	mu     sync.Mutex
	conns  []*websocket.Conn
	joins  chan models.InboundFrame
	closes chan int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		joins:  make(chan models.InboundFrame, 16),
		closes: make(chan int, 16),
	}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		go func() {
			for {
				var frame models.InboundFrame
				if err := conn.ReadJSON(&frame); err != nil {
					if ce, ok := err.(*websocket.CloseError); ok {
						ts.closes <- ce.Code
					}
					return
				}
				ts.joins <- frame
			}
		}()
	}))
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) lastConn() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns[len(ts.conns)-1]
}

func newTestManager(url string) *Manager {
	return New(Config{
		URL:            url,
		SessionID:      "s1",
		ReconnectDelay: 10 * time.Millisecond,
	}, zerolog.Nop())
}

func nextEvent(t *testing.T, m *Manager, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func expectJoin(t *testing.T, ts *testServer) {
	t.Helper()
	select {
	case frame := <-ts.joins:
		if frame.Type != models.FrameJoinSession || frame.SessionID != "s1" {
			t.Fatalf("unexpected join frame %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received join_session")
	}
}

func TestManager_ConnectSendsJoin(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.wsURL())
	defer m.Close()

	if m.State() != StateDisconnected {
		t.Fatalf("expected initial state disconnected, got %s", m.State())
	}

	m.Start()
	nextEvent(t, m, EventConnected)
	expectJoin(t, ts)

	if !m.IsConnected() {
		t.Fatalf("expected connected, got %s", m.State())
	}
}

func TestManager_DeliversMessagesInOrder(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.wsURL())
	defer m.Close()

	m.Start()
	nextEvent(t, m, EventConnected)
	expectJoin(t, ts)

	conn := ts.lastConn()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		conn.WriteJSON(models.NewMessageFrame(models.ChatMessage{ID: id, SessionID: "s1", Message: "x"}))
	}

	for i, id := range ids {
		ev := nextEvent(t, m, EventMessage)
		if ev.Frame.Type != models.FrameNewMessage || ev.Frame.Message == nil || ev.Frame.Message.ID != id {
			t.Fatalf("message %d out of order: %+v", i, ev.Frame)
		}
	}
}

func TestManager_ReconnectsAfterUncleanClose(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.wsURL())
	defer m.Close()

	m.Start()
	nextEvent(t, m, EventConnected)
	expectJoin(t, ts)

	// drop the TCP connection without a close frame
	ts.lastConn().UnderlyingConn().Close()

	nextEvent(t, m, EventDisconnected)
	ev := nextEvent(t, m, EventReconnecting)
	if ev.Attempt != 1 {
		t.Fatalf("expected first reconnect attempt, got %d", ev.Attempt)
	}
	nextEvent(t, m, EventConnected)
	expectJoin(t, ts)

	// a successful open resets the counter
	ts.lastConn().UnderlyingConn().Close()
	ev = nextEvent(t, m, EventReconnecting)
	if ev.Attempt != 1 {
		t.Fatalf("expected counter reset after open, got attempt %d", ev.Attempt)
	}
	nextEvent(t, m, EventConnected)
}

func TestManager_StopsAfterFiveFailedReconnects(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	m := newTestManager("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer m.Close()
	m.Start()

	reconnects := 0
	deadline := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-m.Events():
			if ev.Type == EventReconnecting {
				reconnects++
			}
			if ev.Type == EventDisconnected && reconnects == 5 {
				done = true
			}
		case <-deadline:
			t.Fatalf("timed out after %d reconnects", reconnects)
		}
	}

	// give a stray timer the chance to fire
	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 6 {
		t.Fatalf("expected 1 initial dial + 5 retries, got %d", got)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected after giving up, got %s", m.State())
	}
}

func TestManager_DialFailureReportsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	m := newTestManager(url)
	defer m.Close()
	m.Start()

	ev := nextEvent(t, m, EventError)
	if ev.Err == nil {
		t.Fatal("expected error detail")
	}
}

func TestManager_CloseIsCleanAndFinal(t *testing.T) {
	ts := newTestServer(t)
	m := newTestManager(ts.wsURL())

	m.Start()
	nextEvent(t, m, EventConnected)
	expectJoin(t, ts)

	m.Close()
	m.Close()

	select {
	case code := <-ts.closes:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("expected normal closure, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a close frame")
	}

	time.Sleep(100 * time.Millisecond)
	if got := ts.dials.Load(); got != 1 {
		t.Fatalf("close must not trigger a reconnect, saw %d dials", got)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}
	if m.Send(models.InboundFrame{Type: models.FrameJoinSession, SessionID: "s1"}) {
		t.Fatal("send after close must be a no-op")
	}
}

func TestManager_CloseCancelsPendingReconnect(t *testing.T) {
	ts := newTestServer(t)
	m := New(Config{URL: ts.wsURL(), SessionID: "s1", ReconnectDelay: 200 * time.Millisecond}, zerolog.Nop())

	m.Start()
	nextEvent(t, m, EventConnected)
	expectJoin(t, ts)

	ts.lastConn().UnderlyingConn().Close()
	nextEvent(t, m, EventReconnecting)
	if m.State() != StateConnecting {
		t.Fatalf("expected connecting while a retry is pending, got %s", m.State())
	}

	m.Close()
	time.Sleep(400 * time.Millisecond)
	if got := ts.dials.Load(); got != 1 {
		t.Fatalf("pending reconnect was not cancelled, saw %d dials", got)
	}
}

func TestManager_SendWhenDisconnectedIsNoop(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/ws/chat")
	defer m.Close()
	if m.Send(map[string]string{"type": "ping"}) {
		t.Fatal("expected send to be skipped while disconnected")
	}
}

func TestManager_AgainstHub(t *testing.T) {
	hub := serverws.NewHub(nil, "", zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()
	defer hub.Shutdown()

	m := newTestManager("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer m.Close()
	m.Start()

	ev := nextEvent(t, m, EventMessage)
	if ev.Frame.Type != models.FrameSessionJoined || ev.Frame.SessionID != "s1" {
		t.Fatalf("expected session_joined ack, got %+v", ev.Frame)
	}

	msg := models.ChatMessage{ID: uuid.New(), SessionID: "s1", Message: "Olá!", Timestamp: time.Now()}
	hub.Broadcast("s1", models.NewMessageFrame(msg))

	ev = nextEvent(t, m, EventMessage)
	if ev.Frame.Type != models.FrameNewMessage || ev.Frame.Message.ID != msg.ID {
		t.Fatalf("expected broadcast message, got %+v", ev.Frame)
	}
}
