package websocket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errClientClosed = errors.New("connection already closed")

// conn is the subset of *websocket.Conn the hub writes through.
type conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live WebSocket connection. session is owned by the Hub and
// only read or written with Hub.mu held.
type Client struct {
	id      string
	conn    conn
	session string

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
	logger  zerolog.Logger
}

func newClient(c conn, logger zerolog.Logger) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   c,
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Client) isClosed() bool {
	return c.closed.Load()
}

// write sends one text frame. gorilla connections allow a single concurrent writer.
func (c *Client) write(data []byte) error {
	if c.isClosed() {
		return errClientClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(data)
}

// writeLocked must be called with c.writeMu held.
func (c *Client) writeLocked(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.conn.Close()
}

// closeWith sends a close frame with code before closing the transport.
func (c *Client) closeWith(code int, reason string) {
	if c.isClosed() {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.close()
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug().Err(err).Str("conn", c.id).Msg("ping failed")
				c.close()
				return
			}
		}
	}
}
