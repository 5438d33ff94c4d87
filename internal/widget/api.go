package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agency-backend/internal/models"
)

// HTTPAPI talks to the chat endpoints of the server.
type HTTPAPI struct {
	baseURL string
	client  *http.Client
}

func NewHTTPAPI(baseURL string, timeout time.Duration) *HTTPAPI {
	return &HTTPAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// RequestError carries the server's error envelope for a non-2xx response.
type RequestError struct {
	StatusCode int
	APIError   models.APIError
}

func (e *RequestError) Error() string {
	if e.APIError.Message != "" {
		return fmt.Sprintf("chat api: %d %s: %s", e.StatusCode, e.APIError.Code, e.APIError.Message)
	}
	return fmt.Sprintf("chat api: status %d", e.StatusCode)
}

type sendPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	IsUser    string `json:"isUser"`
}

func (a *HTTPAPI) History(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/chat/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}

	var resp models.ChatHistoryResponse
	if err := a.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (a *HTTPAPI) Send(ctx context.Context, sessionID, message string) (*models.SendChatResponse, error) {
	body, err := json.Marshal(sendPayload{SessionID: sessionID, Message: message, IsUser: "true"})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp models.SendChatResponse
	if err := a.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *HTTPAPI) do(req *http.Request, dst interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		var envelope models.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil {
			reqErr.APIError = envelope.Error
		}
		return reqErr
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode chat api response: %w", err)
	}
	return nil
}
