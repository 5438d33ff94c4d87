// Package realtime keeps a browser-style client connection to the chat
// server's realtime endpoint, joined to one session, reconnecting after
// drops a bounded number of times.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"agency-backend/internal/models"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventReconnecting
	EventMessage
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one lifecycle notification. Frame is set for EventMessage, Err for
// EventError and Attempt for EventReconnecting.
type Event struct {
	Type    EventType
	Frame   models.Frame
	Err     error
	Attempt int
}

// Config holds connection manager settings.
type Config struct {
	// URL of the realtime endpoint, e.g. "ws://localhost:5000/ws/chat".
	URL string

	// SessionID is joined on every successful open.
	SessionID string

	// MaxReconnectAttempts bounds consecutive reconnects. Default: 5
	MaxReconnectAttempts int

	// ReconnectDelay is the fixed wait before each reconnect. Default: 3s
	ReconnectDelay time.Duration

	HandshakeTimeout time.Duration

	// EventBuffer is the capacity of the events channel. Default: 64
	EventBuffer int
}

const writeWait = 10 * time.Second

// Manager owns at most one live connection at a time.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	attempts   int
	unmounted  bool
	timer      *time.Timer
	dialCancel context.CancelFunc

	writeMu sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 64
	}

	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "realtime").Str("session", cfg.SessionID).Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:  StateDisconnected,
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events delivers lifecycle notifications in transport order. The channel is
// never closed; select on Done to stop reading.
func (m *Manager) Events() <-chan Event { return m.events }

// Done is closed by Close.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Start begins the first connection attempt. It returns immediately.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.unmounted || m.state != StateDisconnected || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	go m.connect()
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) connect() {
	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	m.state = StateConnecting
	m.mu.Unlock()
	defer cancel()

	m.logger.Debug().Str("url", m.cfg.URL).Msg("connecting")
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		m.mu.Lock()
		unmounted := m.unmounted
		if !unmounted {
			m.state = StateError
		}
		m.mu.Unlock()
		if unmounted {
			return
		}

		m.logger.Warn().Err(err).Msg("ws dial failed")
		m.emit(Event{Type: EventError, Err: fmt.Errorf("ws dial failed: %w", err)})
		m.handleClose(nil)
		return
	}

	m.onOpen(conn)
}

func (m *Manager) onOpen(conn *websocket.Conn) {
	m.mu.Lock()
	if m.unmounted {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	join := models.InboundFrame{Type: models.FrameJoinSession, SessionID: m.cfg.SessionID}
	if err := m.write(conn, join); err != nil {
		m.logger.Warn().Err(err).Msg("failed to send join frame")
	}

	m.logger.Info().Msg("connected")
	m.emit(Event{Type: EventConnected})

	go m.readLoop(conn)
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				m.mu.Lock()
				unmounted := m.unmounted
				if !unmounted && m.conn == conn {
					m.state = StateError
				}
				m.mu.Unlock()
				if !unmounted {
					m.logger.Warn().Err(err).Msg("ws read error")
					m.emit(Event{Type: EventError, Err: err})
				}
			}
			m.handleClose(conn)
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.logger.Warn().Err(err).Msg("ws parse error")
			continue
		}
		m.emit(Event{Type: EventMessage, Frame: frame})
	}
}

// handleClose runs once per dropped connection or failed dial. conn is nil
// for a failed dial.
func (m *Manager) handleClose(conn *websocket.Conn) {
	m.mu.Lock()
	if conn != nil {
		if m.conn != conn {
			m.mu.Unlock()
			return
		}
		m.conn = nil
		conn.Close()
	}

	if m.unmounted {
		m.state = StateDisconnected
		m.mu.Unlock()
		return
	}

	retry := m.attempts < m.cfg.MaxReconnectAttempts
	attempt := 0
	if retry {
		m.attempts++
		attempt = m.attempts
		m.state = StateConnecting
		m.timer = time.AfterFunc(m.cfg.ReconnectDelay, m.connect)
	} else {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventDisconnected})
	if retry {
		m.logger.Info().Int("attempt", attempt).Dur("delay", m.cfg.ReconnectDelay).Msg("reconnecting")
		m.emit(Event{Type: EventReconnecting, Attempt: attempt})
	} else {
		m.logger.Warn().Int("attempts", m.cfg.MaxReconnectAttempts).Msg("giving up reconnecting")
	}
}

func (m *Manager) write(conn *websocket.Conn, v interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// Send writes a frame to the server. It is a no-op with a warning when not
// connected; it never queues.
func (m *Manager) Send(v interface{}) bool {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.logger.Warn().Msg("send skipped: not connected")
		return false
	}
	if err := m.write(conn, v); err != nil {
		m.logger.Warn().Err(err).Msg("send failed")
		return false
	}
	return true
}

// Close tears the manager down for good: a pending reconnect and any dial in
// flight are cancelled and an open connection is closed with a normal-closure
// code. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.unmounted = true
		if m.timer != nil {
			m.timer.Stop()
		}
		if m.dialCancel != nil {
			m.dialCancel()
		}
		conn := m.conn
		m.state = StateDisconnected
		m.mu.Unlock()

		close(m.done)

		if conn != nil {
			m.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			m.writeMu.Unlock()
			conn.Close()
		}
		m.logger.Debug().Msg("closed")
	})
}
