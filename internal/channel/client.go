package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/jadypamella/natively-case/internal/logging"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("channel: already running")
	ErrNotConnected   = errors.New("channel: not connected")
	// ErrSessionNotFound ends Run when the server no longer knows the
	// session; reconnecting cannot help.
	ErrSessionNotFound = errors.New("channel: session not found")
	ErrUnauthorized    = errors.New("channel: unauthorized")
)

type Options struct {
	Token   string
	Backoff Backoff
	Dialer  *websocket.Dialer
	Logger  *log.Logger
	// Sleep waits between reconnect attempts. Defaults to a context-aware
	// timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Channel subscribes to one session's event stream and keeps the
// subscription alive across disconnects until the session ends. At most one
// connection is open at a time. Events are delivered in stream order, each
// sequence number at most once.
type Channel struct {
	token   string
	backoff Backoff
	dialer  *websocket.Dialer
	logger  *log.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	endpoint  string
	conn      *websocket.Conn
	running   bool
	switching bool
	lastSeq   uint64
	// announced is the endpoint named by the first channel_ready.
	announced string

	writeMu sync.Mutex
}

func New(endpoint string, opts Options) *Channel {
	c := &Channel{
		endpoint: endpoint,
		token:    opts.Token,
		backoff:  opts.Backoff,
		dialer:   opts.Dialer,
		logger:   logging.OrDiscard(opts.Logger),
		sleep:    opts.Sleep,
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

// Run connects and calls handle for every event until the session reaches a
// terminal event, the server closes the stream normally, or ctx is done.
// Transport drops are retried with capped exponential backoff.
func (c *Channel) Run(ctx context.Context, handle func(Message)) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.connect(ctx)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
				return err
			}
			delay := c.backoff.Next()
			c.logger.Warn("channel connect failed", "err", err, "retry_in", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		c.backoff.Reset()

		done, err := c.read(ctx, conn, handle)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		switching := c.switching
		c.switching = false
		c.mu.Unlock()
		if switching {
			continue
		}

		delay := c.backoff.Next()
		c.logger.Warn("channel disconnected", "err", err, "retry_in", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// SetEndpoint moves the channel to a different endpoint. The open
// connection, if any, is closed and the stream resumes on the new endpoint
// from the last delivered sequence.
func (c *Channel) SetEndpoint(endpoint string) {
	c.mu.Lock()
	if endpoint == "" || endpoint == c.endpoint {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("channel endpoint changed", "from", c.endpoint, "to", endpoint)
	c.endpoint = endpoint
	conn := c.conn
	if conn != nil {
		c.switching = true
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Send submits a follow-up prompt on the open connection.
func (c *Channel) Send(message string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(prompt{Type: "prompt", Message: message, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// LastSequence returns the sequence number of the last delivered event.
func (c *Channel) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *Channel) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	endpoint, after := c.endpoint, c.lastSeq
	c.mu.Unlock()

	target, err := c.dialURL(endpoint, after)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, ErrSessionNotFound
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			}
		}
		return nil, err
	}

	c.mu.Lock()
	if c.endpoint != endpoint {
		// Moved while dialing.
		c.mu.Unlock()
		conn.Close()
		return nil, errors.New("endpoint changed during dial")
	}
	c.conn = conn
	c.mu.Unlock()
	c.logger.Debug("channel connected", "endpoint", endpoint, "after", after)
	return conn, nil
}

func (c *Channel) dialURL(endpoint string, after uint64) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	} else {
		q.Del("after")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// read consumes one connection. done reports that the stream is over for
// good.
func (c *Channel) read(ctx context.Context, conn *websocket.Conn, handle func(Message)) (done bool, err error) {
	pingCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	go c.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return false, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("skipping malformed frame", "err", err)
			continue
		}

		if msg.Sequence > 0 {
			c.mu.Lock()
			if msg.Sequence <= c.lastSeq {
				c.mu.Unlock()
				continue
			}
			c.lastSeq = msg.Sequence
			c.mu.Unlock()
		}
		handle(msg)

		if msg.Terminal() {
			c.closeNormally(conn)
			return true, nil
		}
		if msg.Event == EventChannelReady {
			var ready struct {
				Endpoint string `json:"endpoint"`
			}
			if json.Unmarshal(msg.Data, &ready) == nil && c.announce(ready.Endpoint) {
				c.SetEndpoint(ready.Endpoint)
			}
		}
	}
}

// announce records an endpoint reported by the server and reports whether
// it differs from one reported earlier.
func (c *Channel) announce(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if endpoint == "" || endpoint == c.announced {
		return false
	}
	first := c.announced == ""
	c.announced = endpoint
	return !first
}

func (c *Channel) closeNormally(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
