package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChatMessage is a single entry in a session's append-only log.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

// Flag decodes a two-valued discriminator sent either as a JSON boolean or
// as the strings "true"/"false".
type Flag struct {
	Value bool
	Set   bool
}

func (f *Flag) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch raw {
	case "null":
		*f = Flag{}
		return nil
	case "true", `"true"`:
		*f = Flag{Value: true, Set: true}
		return nil
	case "false", `"false"`:
		*f = Flag{Value: false, Set: true}
		return nil
	}
	return fmt.Errorf("invalid boolean value %s", raw)
}

func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Value)
}

// SendChatRequest is the body of POST /api/chat.
type SendChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	IsUser    Flag   `json:"isUser"`
}

// SendChatResponse is returned by POST /api/chat. AIMessage is present when the
// responder ran inline; AwaitingWebhook is set when it was deferred.
type SendChatResponse struct {
	Success         bool         `json:"success"`
	UserMessage     *ChatMessage `json:"userMessage"`
	AIMessage       *ChatMessage `json:"aiMessage,omitempty"`
	AwaitingWebhook bool         `json:"awaitingWebhook,omitempty"`
}

// ChatHistoryResponse is returned by GET /api/chat/{sessionId}.
type ChatHistoryResponse struct {
	Success  bool          `json:"success"`
	Messages []ChatMessage `json:"messages"`
}

// SessionSummary describes one conversation for the admin dashboard.
type SessionSummary struct {
	SessionID     string    `json:"sessionId"`
	MessageCount  int       `json:"messageCount"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}
