package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/jadypamella/natively-case/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 << 10
)

// TurnSubmitter accepts prompts arriving on a subscription.
type TurnSubmitter interface {
	SubmitTurn(id, message string) error
}

// Hub tracks the open subscriber connections.
type Hub struct {
	mu           sync.Mutex
	clients      map[*client]struct{}
	pingInterval time.Duration
	logger       *log.Logger
}

func NewHub(pingInterval time.Duration, logger *log.Logger) *Hub {
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 9 / 10
	}
	return &Hub{
		clients:      make(map[*client]struct{}),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Serve pumps the session stream behind sub to conn and feeds prompts read
// from conn to turns. It takes ownership of both and returns immediately.
func (h *Hub) Serve(conn *websocket.Conn, sessionID string, sub *bus.Subscription, turns TurnSubmitter) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		sub:       sub,
		turns:     turns,
		events:    make(chan bus.Event),
		replies:   make(chan Message, 8),
		ctx:       ctx,
		cancel:    cancel,
		logger:    h.logger.With("session", sessionID, "remote", conn.RemoteAddr().String()),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	c.logger.Debug("subscriber connected")

	go c.forward()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every subscriber with a going-away close frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.close()
	}
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	sub       *bus.Subscription
	turns     TurnSubmitter
	logger    *log.Logger

	// events carries the subscription to writePump; closed when it ends,
	// with the reason left in endErr.
	events  chan bus.Event
	endErr  error
	replies chan Message

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *client) forward() {
	defer close(c.events)
	for {
		ev, err := c.sub.Next(c.ctx)
		if err != nil {
			c.endErr = err
			return
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			c.endErr = c.ctx.Err()
			return
		}
	}
}

// writePump is the connection's only writer.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				c.closeStream(c.endErr)
				return
			}
			if err := c.write(messageFromEvent(ev)); err != nil {
				c.logger.Debug("subscriber write failed", "err", err)
				return
			}
		case msg := <-c.replies:
			if err := c.write(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *client) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// closeStream tells the peer why the stream ended.
func (c *client) closeStream(reason error) {
	code, text := websocket.CloseNormalClosure, "session ended"
	switch {
	case errors.Is(reason, io.EOF):
	case errors.Is(reason, bus.ErrSlowSubscriber):
		code, text = websocket.CloseTryAgainLater, "subscriber too slow"
		c.logger.Warn("slow subscriber disconnected")
	case errors.Is(reason, context.Canceled):
		return
	default:
		code, text = websocket.CloseGoingAway, "stream closed"
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply("invalid_message", "malformed JSON frame")
			continue
		}
		if msg.Type != ClientPrompt {
			c.reply("invalid_message", "unsupported message type "+string(msg.Type))
			continue
		}
		if err := c.turns.SubmitTurn(c.sessionID, msg.Message); err != nil {
			_, code := errorStatus(err)
			c.reply(code, err.Error())
		}
	}
}

func (c *client) reply(code, message string) {
	data, _ := json.Marshal(ErrorDetail{Code: code, Message: message})
	msg := Message{Event: EventError, Timestamp: time.Now().UTC(), Data: data, SessionID: c.sessionID}
	select {
	case c.replies <- msg:
	default:
		c.logger.Debug("dropping error reply", "code", code)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.sub.Cancel()
		c.conn.Close()
		c.hub.remove(c)
		c.logger.Debug("subscriber disconnected")
	})
}
