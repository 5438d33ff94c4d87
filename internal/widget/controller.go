// Package widget holds the chat widget's view state: the message log and the
// "assistant is typing" indicator, kept consistent across the send response,
// realtime pushes and log re-fetches.
package widget

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agency-backend/internal/models"
	"agency-backend/internal/realtime"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingResponse
	PhaseAwaitingAssistant
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	case PhaseAwaitingAssistant:
		return "awaiting_assistant"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrBusy         = errors.New("a message is already being sent")
)

// API is the slice of the chat HTTP API the widget consumes.
type API interface {
	History(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	Send(ctx context.Context, sessionID, message string) (*models.SendChatResponse, error)
}

// EventSource is satisfied by *realtime.Manager.
type EventSource interface {
	Events() <-chan realtime.Event
	Done() <-chan struct{}
}

type Options struct {
	// SafetyTimeout bounds how long the typing indicator can stay up with no
	// push and no reconciling fetch. Default: 30s
	SafetyTimeout time.Duration

	// RecentWindow is how fresh an assistant message must be for a re-fetch
	// to clear the indicator. Default: 60s
	RecentWindow time.Duration

	Now func() time.Time
}

// Controller is safe for concurrent use. Renderers wait on Changes and read
// the current state through the accessors.
type Controller struct {
	api       API
	sessionID string
	opts      Options
	logger    zerolog.Logger

	mu          sync.Mutex
	phase       Phase
	sending     bool
	messages    []models.ChatMessage
	seen        int
	connected   bool
	timer       *time.Timer
	timerGen    uint64
	expirations int

	fetchGen   uint64
	appliedGen uint64

	changes chan struct{}
}

func NewController(api API, sessionID string, opts Options, logger zerolog.Logger) *Controller {
	if opts.SafetyTimeout == 0 {
		opts.SafetyTimeout = 30 * time.Second
	}
	if opts.RecentWindow == 0 {
		opts.RecentWindow = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Controller{
		api:       api,
		sessionID: sessionID,
		opts:      opts,
		logger:    logger.With().Str("component", "widget").Str("session", sessionID).Logger(),
		messages:  []models.ChatMessage{},
		changes:   make(chan struct{}, 1),
	}
}

// Changes receives a value whenever visible state changed. Notifications
// coalesce: one receive may stand for several changes.
func (c *Controller) Changes() <-chan struct{} { return c.changes }

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Typing reports whether the "Digitando…" indicator is shown.
func (c *Controller) Typing() bool {
	return c.Phase() == PhaseAwaitingAssistant
}

// Sending reports whether a send request is in flight. A push can settle the
// exchange before the request returns, so this is tracked apart from Phase.
func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Controller) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// setPhaseLocked cancels the safety timer unless the new phase needs it.
func (c *Controller) setPhaseLocked(p Phase) {
	if p != PhaseAwaitingAssistant {
		c.cancelTimerLocked()
	}
	if c.phase != p {
		c.logger.Debug().Str("from", c.phase.String()).Str("to", p.String()).Msg("phase")
		c.phase = p
	}
}

func (c *Controller) startTimerLocked() {
	c.cancelTimerLocked()
	gen := c.timerGen
	c.timer = time.AfterFunc(c.opts.SafetyTimeout, func() { c.expire(gen) })
}

func (c *Controller) cancelTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.phase != PhaseAwaitingAssistant {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.expirations++
	c.setPhaseLocked(PhaseIdle)
	c.mu.Unlock()

	c.logger.Warn().Dur("timeout", c.opts.SafetyTimeout).Msg("no assistant reply observed, clearing typing indicator")
	c.notify()
}

// Submit sends text and drives the phase from the response. It blocks for
// the duration of the request.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return ErrBusy
	}
	c.sending = true
	c.setPhaseLocked(PhaseAwaitingResponse)
	c.mu.Unlock()
	c.notify()

	resp, err := c.api.Send(ctx, c.sessionID, text)

	c.mu.Lock()
	c.sending = false
	switch {
	case err != nil:
		c.setPhaseLocked(PhaseIdle)
	case c.phase != PhaseAwaitingResponse:
		// a push already settled this exchange
	case resp != nil && resp.AIMessage != nil:
		c.setPhaseLocked(PhaseIdle)
	case resp != nil && resp.AwaitingWebhook:
		c.setPhaseLocked(PhaseAwaitingAssistant)
		c.startTimerLocked()
	default:
		c.setPhaseLocked(PhaseIdle)
	}
	c.mu.Unlock()
	c.notify()

	if err != nil {
		c.logger.Warn().Err(err).Msg("send failed")
		return err
	}

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("refresh after send failed")
	}
	return nil
}

// Refresh re-fetches the full log. When it grew and a fresh assistant message
// is among the new entries, a pending typing indicator is cleared.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	c.fetchGen++
	gen := c.fetchGen
	c.mu.Unlock()

	messages, err := c.api.History(ctx, c.sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen < c.appliedGen {
		c.mu.Unlock()
		return nil
	}
	c.appliedGen = gen

	if len(messages) > c.seen && c.phase == PhaseAwaitingAssistant {
		now := c.opts.Now()
		for _, m := range messages[c.seen:] {
			if !m.IsUser && now.Sub(m.Timestamp) <= c.opts.RecentWindow {
				c.setPhaseLocked(PhaseIdle)
				c.logger.Debug().Msg("assistant reply found on re-fetch")
				break
			}
		}
	}

	if messages == nil {
		messages = []models.ChatMessage{}
	}
	c.messages = messages
	c.seen = len(messages)
	c.mu.Unlock()

	c.notify()
	return nil
}

// HandleEvent applies one Connection Manager event.
func (c *Controller) HandleEvent(ctx context.Context, ev realtime.Event) {
	switch ev.Type {
	case realtime.EventConnected:
		c.setConnected(true)
		// pushes missed while offline are never redelivered
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("refresh after reconnect failed")
		}
	case realtime.EventDisconnected, realtime.EventReconnecting:
		c.setConnected(false)
	case realtime.EventError:
		c.logger.Debug().Err(ev.Err).Msg("realtime error")
	case realtime.EventMessage:
		if ev.Frame.Type != models.FrameNewMessage || ev.Frame.Message == nil {
			return
		}
		if ev.Frame.Message.SessionID != c.sessionID {
			return
		}

		c.mu.Lock()
		c.setPhaseLocked(PhaseIdle)
		c.mu.Unlock()
		c.notify()

		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("refresh after push failed")
		}
	}
}

func (c *Controller) setConnected(v bool) {
	c.mu.Lock()
	changed := c.connected != v
	c.connected = v
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// Run applies events from src until ctx is done or src is closed.
func (c *Controller) Run(ctx context.Context, src EventSource) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Done():
			return
		case ev := <-src.Events():
			c.HandleEvent(ctx, ev)
		}
	}
}

// Close stops the safety timer.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()
}
