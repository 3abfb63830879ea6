// Package channel is the client side of the preview service: a reconnecting
// subscriber for a session's event stream and a small REST client for
// bootstrapping it.
package channel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one frame of the event stream.
type Message struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Sequence  uint64          `json:"sequence,omitempty"`
	SessionID string          `json:"session_id"`
}

// Terminal reports whether the session ends with this message.
func (m Message) Terminal() bool {
	return m.Event == EventSessionFailed || m.Event == EventSessionClosed
}

const (
	EventChannelReady  = "channel_ready"
	EventSessionFailed = "session_failed"
	EventSessionClosed = "session_closed"
	EventError         = "error"
)

type prompt struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Status mirrors the server's session snapshot.
type Status struct {
	SessionID       string    `json:"sessionId"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	ChannelEndpoint string    `json:"channelEndpoint,omitempty"`
	PreviewEndpoint string    `json:"previewEndpoint,omitempty"`
	Cause           string    `json:"cause,omitempty"`
	Turns           int       `json:"turns"`
	QueuedTurns     int       `json:"queuedTurns"`
	Workspace       string    `json:"workspace,omitempty"`
}

// Terminal reports whether the session has finished.
func (s Status) Terminal() bool {
	return s.Status == "failed" || s.Status == "completed"
}

type Health struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connectedClients"`
	QueuedEvents     int    `json:"queuedEvents"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}
