package models

import "time"

// WebSocket frame types
const (
	FrameJoinSession   = "join_session"
	FrameSessionJoined = "session_joined"
	FrameNewMessage    = "new_message"
)

// InboundFrame is a client → server frame.
type InboundFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Frame is a server → client frame. Only the fields relevant to Type are set.
type Frame struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
	Message   *ChatMessage `json:"message,omitempty"`
}

func NewMessageFrame(msg ChatMessage) Frame {
	return Frame{Type: FrameNewMessage, Message: &msg}
}

func SessionJoinedFrame(sessionID string, at time.Time) Frame {
	ts := at.UTC()
	return Frame{Type: FrameSessionJoined, SessionID: sessionID, Timestamp: &ts}
}
