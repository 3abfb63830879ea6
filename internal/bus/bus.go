// Package bus is the per-session event log. Every session owns an
// append-only, totally ordered sequence of events; subscribers receive the
// full history followed by live events, and a subscriber that cannot keep up
// is disconnected instead of slowing the publisher down.
package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jadypamella/natively-case/internal/logging"
)

// DefaultQueueSize is the per-subscriber live queue capacity.
const DefaultQueueSize = 256

var (
	ErrUnknownSession = errors.New("bus: unknown session")
	ErrClosed         = errors.New("bus: closed")
	// ErrSlowSubscriber is reported by a subscription that was dropped
	// because its queue filled up.
	ErrSlowSubscriber = errors.New("bus: subscriber too slow")
)

// Kind enumerates event kinds.
type Kind string

const (
	KindChannelReady     Kind = "channel_ready"
	KindTurnStarted      Kind = "turn_started"
	KindContentDelta     Kind = "content_delta"
	KindThinking         Kind = "thinking"
	KindToolInvoked      Kind = "tool_invoked"
	KindToolResult       Kind = "tool_result"
	KindPagesIndexed     Kind = "pages_indexed"
	KindPreviewReady     Kind = "preview_ready"
	KindPreviewUnready   Kind = "preview_unready"
	KindPreviewRestarted Kind = "preview_restarted"
	KindTurnComplete     Kind = "turn_complete"
	KindSessionFailed    Kind = "session_failed"
	KindSessionClosed    Kind = "session_closed"
)

// Terminal reports whether no further events follow an event of this kind.
func (k Kind) Terminal() bool {
	return k == KindSessionFailed || k == KindSessionClosed
}

// Event is one immutable fact about a session. Payload is stored already
// encoded so that no subscriber can observe a later mutation of the value
// that was published.
type Event struct {
	SessionID string          `json:"session_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Status is the liveness probe result.
type Status struct {
	Accepting    bool `json:"accepting"`
	Subscribers  int  `json:"subscribers"`
	QueuedEvents int  `json:"queuedEvents"`
}

// Option customizes bus construction.
type Option func(*Bus)

// WithQueueSize configures the per-subscriber live queue capacity.
func WithQueueSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithLogger configures the logger used for dropped subscribers.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// Bus holds one log per session.
type Bus struct {
	mu        sync.RWMutex
	logs      map[string]*sessionLog
	closed    bool
	queueSize int
	logger    *log.Logger
	now       func() time.Time
}

func New(options ...Option) *Bus {
	b := &Bus{
		logs:      make(map[string]*sessionLog),
		queueSize: DefaultQueueSize,
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Open creates the log for sessionID. Opening an existing log is a no-op.
func (b *Bus) Open(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.logs[sessionID]; !ok {
		b.logs[sessionID] = newSessionLog(sessionID)
	}
	return nil
}

// Publish appends an event and fans it out to live subscribers. The
// returned event carries the assigned sequence number.
func (b *Bus) Publish(sessionID string, kind Kind, payload any) (Event, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}
	l, err := b.lookup(sessionID)
	if err != nil {
		return Event{}, err
	}
	ev, dropped, err := l.append(kind, b.now().UTC(), data)
	for _, sub := range dropped {
		b.logger.Warn("dropping slow subscriber",
			"session", sessionID, "subscriber", sub.id, "queued", cap(sub.ch))
	}
	return ev, err
}

// Subscribe attaches to a session and replays every event published so far.
func (b *Bus) Subscribe(sessionID string) (*Subscription, error) {
	return b.SubscribeAfter(sessionID, 0)
}

// SubscribeAfter attaches to a session and replays the events whose
// sequence is greater than after. The replay snapshot and the live
// registration happen atomically, so the subscriber sees no gap and no
// duplicate between the two.
func (b *Bus) SubscribeAfter(sessionID string, after uint64) (*Subscription, error) {
	l, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return l.subscribe(after, b.queueSize), nil
}

// Snapshot returns the ordered events published so far.
func (b *Bus) Snapshot(sessionID string) ([]Event, error) {
	return b.SnapshotAfter(sessionID, 0)
}

// SnapshotAfter returns the events whose sequence is greater than after.
func (b *Bus) SnapshotAfter(sessionID string, after uint64) ([]Event, error) {
	l, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since(after), nil
}

// Seal stops accepting events for a session and ends every subscription
// once it has drained. History stays readable; later subscribers get the
// replay and then the end of stream.
func (b *Bus) Seal(sessionID string) {
	l, err := b.lookup(sessionID)
	if err != nil {
		return
	}
	l.seal()
}

// Drop seals a session and forgets its history.
func (b *Bus) Drop(sessionID string) {
	b.mu.Lock()
	l, ok := b.logs[sessionID]
	delete(b.logs, sessionID)
	b.mu.Unlock()
	if ok {
		l.seal()
	}
}

// Close seals every session and rejects further opens.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	logs := make([]*sessionLog, 0, len(b.logs))
	for _, l := range b.logs {
		logs = append(logs, l)
	}
	b.mu.Unlock()

	for _, l := range logs {
		l.seal()
	}
}

// Status reports bus-wide subscriber and queue counts.
func (b *Bus) Status() Status {
	b.mu.RLock()
	st := Status{Accepting: !b.closed}
	logs := make([]*sessionLog, 0, len(b.logs))
	for _, l := range b.logs {
		logs = append(logs, l)
	}
	b.mu.RUnlock()

	for _, l := range logs {
		subs, queued := l.counts()
		st.Subscribers += subs
		st.QueuedEvents += queued
	}
	return st
}

// SessionStatus reports the probe for a single session.
func (b *Bus) SessionStatus(sessionID string) (Status, error) {
	l, err := b.lookup(sessionID)
	if err != nil {
		return Status{}, err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	subs, queued := l.counts()
	l.mu.Lock()
	sealed := l.sealed
	l.mu.Unlock()
	return Status{Accepting: !closed && !sealed, Subscribers: subs, QueuedEvents: queued}, nil
}

// QueueCapacity returns the per-subscriber live queue capacity.
func (b *Bus) QueueCapacity() int {
	return b.queueSize
}

func (b *Bus) lookup(sessionID string) (*sessionLog, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.logs[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return l, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}
