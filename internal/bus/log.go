package bus

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// sessionLog is the single-writer append log of one session. Appends and
// fan-out happen under mu; sends to subscribers never block, so mu is never
// held across a suspension.
type sessionLog struct {
	sessionID string

	mu      sync.Mutex
	events  []Event
	subs    map[uint64]*Subscription
	nextSub uint64
	sealed  bool
}

func newSessionLog(sessionID string) *sessionLog {
	return &sessionLog{
		sessionID: sessionID,
		subs:      make(map[uint64]*Subscription),
	}
}

func (l *sessionLog) append(kind Kind, ts time.Time, payload json.RawMessage) (Event, []*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return Event{}, nil, ErrClosed
	}

	ev := Event{
		SessionID: l.sessionID,
		Sequence:  uint64(len(l.events)) + 1,
		Kind:      kind,
		Timestamp: ts,
		Payload:   payload,
	}
	l.events = append(l.events, ev)

	var dropped []*Subscription
	for id, sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(l.subs, id)
			sub.endLocked(ErrSlowSubscriber)
			dropped = append(dropped, sub)
		}
	}
	return ev, dropped, nil
}

func (l *sessionLog) subscribe(after uint64, queueSize int) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSub++
	sub := &Subscription{
		id:     l.nextSub,
		log:    l,
		replay: l.since(after),
		ch:     make(chan Event, queueSize),
	}
	if l.sealed {
		sub.endLocked(io.EOF)
		return sub
	}
	l.subs[sub.id] = sub
	return sub
}

// since returns a copy of the events after seq. Caller must hold l.mu.
func (l *sessionLog) since(seq uint64) []Event {
	if seq >= uint64(len(l.events)) {
		return []Event{}
	}
	out := make([]Event, len(l.events)-int(seq))
	copy(out, l.events[seq:])
	return out
}

func (l *sessionLog) seal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return
	}
	l.sealed = true
	for id, sub := range l.subs {
		delete(l.subs, id)
		sub.endLocked(io.EOF)
	}
}

func (l *sessionLog) remove(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub.id]; ok {
		delete(l.subs, sub.id)
		sub.endLocked(context.Canceled)
	}
}

func (l *sessionLog) counts() (subscribers, queued int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs {
		queued += len(sub.ch)
	}
	return len(l.subs), queued
}

// Subscription is one reader of a session log: the replayed history first,
// then live events, in sequence order.
type Subscription struct {
	id     uint64
	log    *sessionLog
	replay []Event
	ch     chan Event

	// err and ended are written under log.mu and read after ch is closed.
	err   error
	ended bool
}

// ID identifies the subscription within its session.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Next returns the next event. When the stream ends it returns io.EOF for a
// sealed session, ErrSlowSubscriber when the subscriber was dropped, or
// context.Canceled after Cancel.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if len(s.replay) > 0 {
		ev := s.replay[0]
		s.replay = s.replay[1:]
		return ev, nil
	}
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, s.err
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.log.remove(s)
}

// endLocked closes the live queue. Caller must hold s.log.mu.
func (s *Subscription) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.ch)
}
