package ws

import (
	"encoding/json"
	"time"

	"github.com/jadypamella/natively-case/internal/bus"
)

// EventError is the event name of a frame reporting a rejected client
// message. It carries an ErrorDetail and no sequence number.
const EventError = "error"

// Message is one server to client frame on the subscription stream.
type Message struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Sequence  uint64          `json:"sequence,omitempty"`
	SessionID string          `json:"session_id"`
}

func messageFromEvent(ev bus.Event) Message {
	return Message{
		Event:     string(ev.Kind),
		Timestamp: ev.Timestamp,
		Data:      ev.Payload,
		Sequence:  ev.Sequence,
		SessionID: ev.SessionID,
	}
}

func messagesFromEvents(events []bus.Event) []Message {
	out := make([]Message, len(events))
	for i, ev := range events {
		out[i] = messageFromEvent(ev)
	}
	return out
}

type ClientMessageType string

const ClientPrompt ClientMessageType = "prompt"

// ClientMessage is a client to server frame.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp,omitempty"`
}

type ChatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type TurnRequest struct {
	Message string `json:"message"`
}

type HealthResponse struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connectedClients"`
	QueuedEvents     int    `json:"queuedEvents"`
}

type ServiceInfo struct {
	Service string `json:"service"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}
