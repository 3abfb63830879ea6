package session

import (
	"context"
	"time"

	"github.com/jadypamella/natively-case/internal/bus"
)

// Run enforces the idle timeout and the retention of finished sessions
// every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep fails live sessions idle for longer than IdleTimeout and purges
// finished sessions older than Retention.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.now()
	var idle, expired int
	for _, s := range m.registry.All() {
		snap := s.Snapshot()
		age := now.Sub(snap.LastActivityAt)
		switch {
		case !snap.Status.IsTerminal() && age > m.cfg.IdleTimeout:
			m.fail(ctx, s, CauseIdleTimeout)
			idle++
		case snap.Status.IsTerminal() && age > m.cfg.Retention:
			m.purge(ctx, s)
			expired++
		}
	}
	if idle > 0 || expired > 0 {
		m.logger.Info("session sweep", "idle", idle, "expired", expired, "remaining", m.registry.Len())
	}
}

// Restore loads persisted sessions. They come back read-only: finished
// sessions keep their state, sessions that were live when the previous
// process stopped are failed with CauseServerRestart. Each gets a fresh
// event log holding its terminal event.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.recorder == nil {
		return 0, nil
	}
	records, err := m.recorder.List(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, r := range records {
		state, err := ParseState(r.State)
		if err != nil {
			m.logger.Warn("skipping session record", "session", r.ID, "err", err)
			continue
		}
		interrupted := !state.IsTerminal()
		if interrupted {
			state = Failed
			r.Cause = CauseServerRestart
			r.Version++
		}

		s := restoredSession(r, state)
		if !m.registry.Put(s) {
			continue
		}
		if err := m.bus.Open(s.id); err != nil {
			return restored, err
		}
		if state == Failed {
			m.publish(s, bus.KindSessionFailed, map[string]string{"cause": s.cause})
		} else {
			m.publish(s, bus.KindSessionClosed, map[string]string{})
		}
		// Restoring is not activity.
		s.mu.Lock()
		s.lastActivity = r.LastActivityAt
		s.mu.Unlock()
		m.bus.Seal(s.id)

		if interrupted {
			m.record(ctx, s)
		}
		restored++
	}
	if restored > 0 {
		m.logger.Info("sessions restored", "count", restored)
	}
	return restored, nil
}
