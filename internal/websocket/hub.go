package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"agency-backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 4096
	channelPrefix  = "chat_session:"
	publishTimeout = 2 * time.Second
)

// Hub is the session registry: it maps a chat session id to the set of live
// connections that joined it, and delivers events to exactly that set.
//
// With a Redis client configured, Broadcast publishes to a per-session channel
// and every instance delivers to its own local connections, so sessions are
// not fragmented across instances.
type Hub struct {
	mu          sync.RWMutex
	sessions    map[string]map[*Client]struct{}
	cancelFuncs map[string]context.CancelFunc

	redisClient *redis.Client
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	now         func() time.Time
}

func NewHub(redisClient *redis.Client, allowedOrigin string, logger zerolog.Logger) *Hub {
	return &Hub{
		sessions:    make(map[string]map[*Client]struct{}),
		cancelFuncs: make(map[string]context.CancelFunc),
		redisClient: redisClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigin),
		},
		logger: logger.With().Str("component", "ws-hub").Logger(),
		now:    time.Now,
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowed == "" || allowed == "*" || origin == "" || origin == allowed
	}
}

// HandleWebSocket upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn, h.logger)
	h.logger.Debug().Str("conn", c.id).Str("remote", r.RemoteAddr).Msg("websocket connected")

	go c.pingLoop()
	go func() {
		defer h.disconnect(c)
		h.readLoop(c, conn)
	}()
}

func (h *Hub) readLoop(c *Client, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("conn", c.id).Msg("websocket closed uncleanly")
			}
			return
		}
		h.handleFrame(c, data)
	}
}

// handleFrame never closes the connection: malformed frames are logged and
// dropped, unknown types are ignored.
func (h *Hub) handleFrame(c *Client, data []byte) {
	var frame models.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn().Err(err).Str("conn", c.id).Msg("ignoring malformed websocket frame")
		return
	}

	switch frame.Type {
	case models.FrameJoinSession:
		if frame.SessionID == "" {
			h.logger.Warn().Str("conn", c.id).Msg("join_session without sessionId")
			return
		}
		h.Join(frame.SessionID, c)
	}
}

func (h *Hub) disconnect(c *Client) {
	h.Leave(c)
	c.close()
	h.logger.Debug().Str("conn", c.id).Msg("websocket disconnected")
}

// Join registers c under sessionID and acknowledges with session_joined.
// Joining the same session again only re-sends the acknowledgement; joining a
// different session moves c there.
func (h *Hub) Join(sessionID string, c *Client) {
	if c.isClosed() {
		return
	}
	ack, _ := json.Marshal(models.SessionJoinedFrame(sessionID, h.now()))

	// c.writeMu is held from before c becomes visible to deliver until the ack
	// is written, so session_joined is always the first frame of a session.
	// Lock order: Client.writeMu, then Hub.mu.
	c.writeMu.Lock()
	h.mu.Lock()
	if c.session != "" && c.session != sessionID {
		h.removeLocked(c.session, c)
	}
	set, ok := h.sessions[sessionID]
	if !ok {
		set = make(map[*Client]struct{})
		h.sessions[sessionID] = set
		h.subscribeLocked(sessionID)
	}
	set[c] = struct{}{}
	c.session = sessionID
	total := len(set)
	h.mu.Unlock()

	err := errClientClosed
	if !c.isClosed() {
		err = c.writeLocked(ack)
	}
	c.writeMu.Unlock()

	h.logger.Info().Str("session", sessionID).Str("conn", c.id).Int("total", total).Msg("session joined")
	if err != nil {
		h.dropClient(sessionID, c, err)
	}
}

// Leave removes c from whatever session it joined. Safe to call repeatedly.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.session == "" {
		return
	}
	h.removeLocked(c.session, c)
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(sessionID string, c *Client) {
	set, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	if _, member := set[c]; !member {
		return
	}
	delete(set, c)
	if c.session == sessionID {
		c.session = ""
	}
	if len(set) == 0 {
		delete(h.sessions, sessionID)
		if cancel, ok := h.cancelFuncs[sessionID]; ok {
			cancel()
			delete(h.cancelFuncs, sessionID)
		}
	}
}

// Broadcast sends event to every connection joined to sessionID. Delivery is
// best effort and at most once; a session without connections is a no-op.
func (h *Hub) Broadcast(sessionID string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("session", sessionID).Msg("failed to encode broadcast event")
		return
	}

	if h.redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		err := h.redisClient.Publish(ctx, channelPrefix+sessionID, data).Err()
		if err == nil {
			return
		}
		h.logger.Warn().Err(err).Str("session", sessionID).Msg("redis publish failed, delivering locally")
	}

	h.deliver(sessionID, data)
}

// deliver writes data to the local connections of sessionID, pruning every
// connection that is closed or whose write fails.
func (h *Hub) deliver(sessionID string, data []byte) {
	h.mu.RLock()
	set := h.sessions[sessionID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.isClosed() {
			h.dropClient(sessionID, c, errClientClosed)
			continue
		}
		if err := c.write(data); err != nil {
			h.dropClient(sessionID, c, err)
		}
	}
}

func (h *Hub) dropClient(sessionID string, c *Client, cause error) {
	h.mu.Lock()
	h.removeLocked(sessionID, c)
	h.mu.Unlock()
	c.close()
	h.logger.Debug().Err(cause).Str("session", sessionID).Str("conn", c.id).Msg("pruned dead connection")
}

// subscribeLocked starts the Redis subscription for a session that just got its
// first local connection. Must be called with h.mu held.
func (h *Hub) subscribeLocked(sessionID string) {
	if h.redisClient == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancelFuncs[sessionID] = cancel
	go h.subscribeToPubSub(ctx, sessionID)
}

func (h *Hub) subscribeToPubSub(ctx context.Context, sessionID string) {
	pubsub := h.redisClient.Subscribe(ctx, channelPrefix+sessionID)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.deliver(sessionID, []byte(msg.Payload))
		}
	}
}

// SessionCount returns how many sessions have at least one local connection.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ConnectionCount returns the number of local connections joined to sessionID.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Shutdown closes every registered connection with a going-away code.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*Client
	for sessionID, set := range h.sessions {
		for c := range set {
			all = append(all, c)
			c.session = ""
		}
		delete(h.sessions, sessionID)
	}
	for sessionID, cancel := range h.cancelFuncs {
		cancel()
		delete(h.cancelFuncs, sessionID)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
