// Package session owns the session lifecycle: creation without duplicate
// workers, turn intake, the per-session worker that drives the producer,
// scanner and preview supervisor, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jadypamella/natively-case/internal/bus"
	"github.com/jadypamella/natively-case/internal/logging"
	"github.com/jadypamella/natively-case/internal/producer"
	"github.com/jadypamella/natively-case/internal/scanner"
	"github.com/jadypamella/natively-case/internal/store"
	"github.com/jadypamella/natively-case/internal/supervisor"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrSessionTerminal = errors.New("session is no longer accepting turns")
	// ErrTurnQueueFull is retryable: the session is busy and its queue of
	// pending turns is at capacity.
	ErrTurnQueueFull      = errors.New("session turn queue is full")
	ErrEmptyMessage       = errors.New("message is required")
	ErrInvalidID          = errors.New("invalid session id")
	ErrEndpointReassigned = errors.New("endpoint already assigned")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// TransitionError reports a refused lifecycle move.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Causes recorded on sessions failed by the manager itself.
const (
	CauseIdleTimeout   = "idle_timeout"
	CauseTurnTimeout   = "turn_timeout"
	CauseServerRestart = "server_restart"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// PreviewLauncher starts the preview for a session workspace.
type PreviewLauncher interface {
	Launch(ctx context.Context, sessionID, dir string, onRestart func(endpoint string)) (supervisor.Preview, error)
}

// Scanner builds the page index of a workspace.
type Scanner interface {
	Scan(root string) scanner.PageIndex
}

// Recorder persists session records. Save must ignore stale versions.
type Recorder interface {
	Save(ctx context.Context, r store.Record) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]store.Record, error)
}

type Config struct {
	WorkspaceRoot string
	// BaseURL is the server's public http(s) address; channel endpoints are
	// derived from it.
	BaseURL        string
	IdleTimeout    time.Duration
	TurnTimeout    time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	MaxQueuedTurns int
	ListLimit      int
	PromptTemplate string
}

func (c Config) withDefaults() Config {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = os.TempDir()
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxQueuedTurns <= 0 {
		c.MaxQueuedTurns = 4
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 100
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = "{message}"
	}
	return c
}

// Option customizes manager construction.
type Option func(*Manager)

func WithLauncher(l PreviewLauncher) Option {
	return func(m *Manager) { m.launcher = l }
}

func WithScanner(s Scanner) Option {
	return func(m *Manager) {
		if s != nil {
			m.scanner = s
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager coordinates every session in the process.
type Manager struct {
	cfg      Config
	bus      *bus.Bus
	producer producer.Producer
	launcher PreviewLauncher
	scanner  Scanner
	recorder Recorder
	registry *Registry
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
}

func NewManager(cfg Config, b *bus.Bus, p producer.Producer, options ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		bus:      b,
		producer: p,
		registry: NewRegistry(),
		logger:   logging.Discard(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, option := range options {
		option(m)
	}
	if m.scanner == nil {
		m.scanner = scanner.New(scanner.Options{}, m.logger)
	}
	return m
}

// CreateOrAttach returns the session stored under id, creating it and
// starting its worker with message as the first turn when it does not
// exist. An empty id creates a new session with a generated id. Concurrent
// calls for the same id all get the same session and exactly one of them
// starts the worker. created reports whether this call created it.
func (m *Manager) CreateOrAttach(ctx context.Context, id, message string) (snap Snapshot, created bool, err error) {
	message = strings.TrimSpace(message)
	if id == "" {
		id = m.newID()
	} else if !validID.MatchString(id) {
		return Snapshot{}, false, ErrInvalidID
	}

	if message == "" {
		s, ok := m.registry.Get(id)
		if !ok {
			return Snapshot{}, false, ErrEmptyMessage
		}
		m.touch(s)
		return s.Snapshot(), false, nil
	}

	now := m.now()
	s, created := m.registry.GetOrCreate(id, func() *Session {
		s := newSession(id, now, m.cfg.MaxQueuedTurns)
		// Opened before the session becomes visible, so any caller that
		// finds it can subscribe.
		if err := m.bus.Open(id); err != nil {
			m.logger.Error("opening event log", "session", id, "err", err)
		}
		s.queue <- turnRequest{message: message, received: now}
		return s
	})
	if !created {
		m.touch(s)
		return s.Snapshot(), false, nil
	}

	m.logger.Info("session created", "session", id)
	m.record(ctx, s)
	go m.run(s)
	return s.Snapshot(), true, nil
}

// GetStatus returns the current snapshot of a session.
func (m *Manager) GetStatus(id string) (Snapshot, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.Snapshot(), nil
}

// ListSessions returns up to the configured limit of sessions, newest
// first.
func (m *Manager) ListSessions() []Snapshot {
	all := m.registry.All()
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > m.cfg.ListLimit {
		out = out[:m.cfg.ListLimit]
	}
	return out
}

// SubmitTurn queues a follow-up turn. Turns submitted before the session
// is active wait in the same bounded queue; a full queue is rejected with
// the retryable ErrTurnQueueFull, a finished session with
// ErrSessionTerminal.
func (m *Manager) SubmitTurn(id, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return ErrEmptyMessage
	}
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.AcceptsTurns() {
		return ErrSessionTerminal
	}
	now := m.now()
	select {
	case s.queue <- turnRequest{message: message, received: now}:
	default:
		return ErrTurnQueueFull
	}
	s.lastActivity = now
	m.logger.Debug("turn queued", "session", id, "queued", len(s.queue), "state", s.state)
	return nil
}

// Close ends a session normally: its worker and preview are stopped and it
// stays queryable as completed until retention expires. Closing a finished
// session is a no-op.
func (m *Manager) Close(ctx context.Context, id string) (Snapshot, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	m.finish(ctx, s, Completed, "")
	return s.Snapshot(), nil
}

// Delete tears a session down and forgets it, including its event history,
// persisted record and workspace.
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	m.finish(ctx, s, Completed, "")
	m.purge(ctx, s)
	return nil
}

// Subscribe attaches to a session's event stream, replaying events after
// the given sequence first.
func (m *Manager) Subscribe(id string, after uint64) (*bus.Subscription, error) {
	if _, ok := m.registry.Get(id); !ok {
		return nil, ErrNotFound
	}
	sub, err := m.bus.SubscribeAfter(id, after)
	if errors.Is(err, bus.ErrUnknownSession) {
		return nil, ErrNotFound
	}
	return sub, err
}

// Events returns the session's events after the given sequence.
func (m *Manager) Events(id string, after uint64) ([]bus.Event, error) {
	if _, ok := m.registry.Get(id); !ok {
		return nil, ErrNotFound
	}
	events, err := m.bus.SnapshotAfter(id, after)
	if errors.Is(err, bus.ErrUnknownSession) {
		return nil, ErrNotFound
	}
	return events, err
}

// Pages returns the latest page index, or an empty one before the first
// scan.
func (m *Manager) Pages(id string) (scanner.PageIndex, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return scanner.PageIndex{}, ErrNotFound
	}
	idx, ok := s.Pages()
	if !ok {
		return scanner.PageIndex{Pages: []scanner.Page{}}, nil
	}
	return idx, nil
}

// Health reports the event log probe of one session.
func (m *Manager) Health(id string) (bus.Status, error) {
	if _, ok := m.registry.Get(id); !ok {
		return bus.Status{}, ErrNotFound
	}
	st, err := m.bus.SessionStatus(id)
	if errors.Is(err, bus.ErrUnknownSession) {
		return bus.Status{}, ErrNotFound
	}
	return st, err
}

// Count returns the number of known sessions.
func (m *Manager) Count() int {
	return m.registry.Len()
}

// Shutdown stops every worker and preview without changing session state,
// so persisted non-terminal sessions are recognized on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.registry.All()
	for _, s := range sessions {
		m.teardown(s, false)
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// publish appends an event for s and refreshes its activity time. Events
// after a terminal event are dropped.
func (m *Manager) publish(s *Session, kind bus.Kind, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.publishLocked(s, kind, payload)
}

func (m *Manager) publishLocked(s *Session, kind bus.Kind, payload any) {
	if s.state.IsTerminal() && !kind.Terminal() {
		return
	}
	if _, err := m.bus.Publish(s.id, kind, payload); err != nil {
		m.logger.Warn("publishing event", "session", s.id, "kind", kind, "err", err)
		return
	}
	s.lastActivity = m.now()
}

func (m *Manager) touch(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = m.now()
}

// transition moves s to next and persists the change.
func (m *Manager) transition(ctx context.Context, s *Session, next State) error {
	s.mu.Lock()
	err := s.transitionLocked(next)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	m.logger.Debug("session transition", "session", s.id, "state", next)
	m.record(ctx, s)
	return nil
}

// finish moves s to a terminal state, publishes the terminal event and
// tears the session down. Only the first call has any effect.
func (m *Manager) finish(ctx context.Context, s *Session, state State, cause string) bool {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.cause = cause
	s.version++
	if state == Failed {
		m.publishLocked(s, bus.KindSessionFailed, map[string]string{"cause": cause})
	} else {
		m.publishLocked(s, bus.KindSessionClosed, map[string]string{})
	}
	s.mu.Unlock()

	if state == Failed {
		m.logger.Warn("session failed", "session", s.id, "cause", cause)
	} else {
		m.logger.Info("session closed", "session", s.id)
	}
	m.teardown(s, true)
	m.record(ctx, s)
	return true
}

// fail is finish with Failed.
func (m *Manager) fail(ctx context.Context, s *Session, cause string) {
	m.finish(ctx, s, Failed, cause)
}

// teardown cancels the worker, stops the preview and, when seal is set,
// ends every subscription once it has drained. Safe to call repeatedly.
func (m *Manager) teardown(s *Session, seal bool) {
	s.teardownOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		p := s.preview
		s.preview = nil
		s.mu.Unlock()
		if p != nil {
			p.Stop()
		}
	})
	if seal {
		m.bus.Seal(s.id)
	}
}

// purge removes every trace of s.
func (m *Manager) purge(ctx context.Context, s *Session) {
	m.registry.Remove(s.id)
	m.bus.Drop(s.id)
	s.persistMu.Lock()
	s.purged = true
	if m.recorder != nil {
		if err := m.recorder.Delete(ctx, s.id); err != nil {
			m.logger.Warn("deleting session record", "session", s.id, "err", err)
		}
	}
	s.persistMu.Unlock()
	s.mu.Lock()
	workspace := s.workspace
	s.mu.Unlock()
	if m.ownsWorkspace(workspace) {
		if err := os.RemoveAll(workspace); err != nil {
			m.logger.Warn("removing workspace", "session", s.id, "dir", workspace, "err", err)
		}
	}
	m.logger.Info("session purged", "session", s.id)
}

func (m *Manager) ownsWorkspace(dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(m.cfg.WorkspaceRoot, dir)
	return err == nil && !strings.Contains(rel, string(filepath.Separator)) && strings.HasPrefix(rel, "session-")
}

// record persists the current state of s. Called outside s.mu. A purged
// session is never written back.
func (m *Manager) record(ctx context.Context, s *Session) {
	if m.recorder == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.purged {
		return
	}
	s.mu.Lock()
	r := s.recordLocked()
	s.mu.Unlock()
	if err := m.recorder.Save(context.WithoutCancel(ctx), r); err != nil {
		m.logger.Warn("saving session record", "session", s.id, "err", err)
	}
}

// channelEndpoint is the websocket address subscribers use for id.
func (m *Manager) channelEndpoint(id string) string {
	base := m.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/api/sessions/" + url.PathEscape(id) + "/ws"
}
