package session

import (
	"context"
	"sync"
	"time"

	"github.com/jadypamella/natively-case/internal/scanner"
	"github.com/jadypamella/natively-case/internal/store"
	"github.com/jadypamella/natively-case/internal/supervisor"
)

// Session is one interactive unit of work. Mutable fields are guarded by
// mu; the session's event publication happens under mu too, so a state
// change and the event announcing it are never observed out of order.
type Session struct {
	id        string
	createdAt time.Time

	mu              sync.Mutex
	state           State
	lastActivity    time.Time
	channelEndpoint string
	previewEndpoint string
	workspace       string
	cause           string
	turns           int
	externalID      string
	pages           *scanner.PageIndex
	preview         supervisor.Preview
	version         uint64

	queue        chan turnRequest
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	teardownOnce sync.Once

	// persistMu orders record saves against purge; purged stops saves for
	// a session whose record has been deleted.
	persistMu sync.Mutex
	purged    bool
}

type turnRequest struct {
	message  string
	received time.Time
}

func newSession(id string, now time.Time, queueSize int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           id,
		createdAt:    now,
		state:        Created,
		lastActivity: now,
		queue:        make(chan turnRequest, queueSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		version:      1,
	}
}

// restoredSession rebuilds a read-only session from its persisted record.
// It has no worker.
func restoredSession(r store.Record, state State) *Session {
	s := newSession(r.ID, r.CreatedAt, 1)
	s.state = state
	s.lastActivity = r.LastActivityAt
	s.channelEndpoint = r.ChannelEndpoint
	s.previewEndpoint = r.PreviewEndpoint
	s.workspace = r.Workspace
	s.cause = r.Cause
	s.turns = r.Turns
	s.externalID = r.ExternalID
	s.version = r.Version
	s.cancel()
	close(s.done)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Snapshot is a point-in-time copy of a session, safe to retain.
type Snapshot struct {
	ID              string    `json:"sessionId"`
	Status          State     `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	ChannelEndpoint string    `json:"channelEndpoint,omitempty"`
	PreviewEndpoint string    `json:"previewEndpoint,omitempty"`
	Cause           string    `json:"cause,omitempty"`
	Turns           int       `json:"turns"`
	QueuedTurns     int       `json:"queuedTurns"`
	Workspace       string    `json:"workspace,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:              s.id,
		Status:          s.state,
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivity,
		ChannelEndpoint: s.channelEndpoint,
		PreviewEndpoint: s.previewEndpoint,
		Cause:           s.cause,
		Turns:           s.turns,
		QueuedTurns:     len(s.queue),
		Workspace:       s.workspace,
	}
}

func (s *Session) recordLocked() store.Record {
	return store.Record{
		ID:              s.id,
		State:           s.state.String(),
		CreatedAt:       s.createdAt,
		LastActivityAt:  s.lastActivity,
		ChannelEndpoint: s.channelEndpoint,
		PreviewEndpoint: s.previewEndpoint,
		Workspace:       s.workspace,
		Cause:           s.cause,
		Turns:           s.turns,
		ExternalID:      s.externalID,
		Version:         s.version,
	}
}

// transitionLocked moves the session to next if the lifecycle allows it.
func (s *Session) transitionLocked(next State) error {
	if s.state == next {
		return nil
	}
	if !s.state.CanTransition(next) {
		return &TransitionError{From: s.state, To: next}
	}
	s.state = next
	s.version++
	return nil
}

// setEndpointLocked assigns an endpoint field once. Re-assigning the same
// value is a no-op; a different value is refused and the original kept.
func (s *Session) setEndpointLocked(field *string, value string) error {
	switch *field {
	case value:
		return nil
	case "":
		*field = value
		s.version++
		return nil
	default:
		return ErrEndpointReassigned
	}
}

func (s *Session) Pages() (scanner.PageIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages == nil {
		return scanner.PageIndex{}, false
	}
	return *s.pages, true
}
