package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jadypamella/natively-case/internal/bus"
	"github.com/jadypamella/natively-case/internal/producer"
	"github.com/jadypamella/natively-case/internal/supervisor"
)

// run is the session's single worker. It owns every producer invocation
// and preview launch for the session, so there is never more than one of
// either per id.
func (m *Manager) run(s *Session) {
	defer close(s.done)
	logger := m.logger.With("session", s.id)

	if err := m.provision(s); err != nil {
		if s.ctx.Err() == nil {
			m.fail(s.ctx, s, "provisioning failed: "+err.Error())
		}
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.queue:
			err := m.runTurn(s, req)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.Error("turn failed", "err", err)
				m.fail(s.ctx, s, failureCause(err))
				return
			}
		}
	}
}

// provision creates the workspace and announces the channel endpoint.
func (m *Manager) provision(s *Session) error {
	if err := m.transition(s.ctx, s, Provisioning); err != nil {
		return err
	}

	dir, err := os.MkdirTemp(m.cfg.WorkspaceRoot, "session-"+dirSafe(s.id)+"-")
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return fmt.Errorf("chmod workspace: %w", err)
	}

	endpoint := m.channelEndpoint(s.id)
	s.mu.Lock()
	s.workspace = dir
	s.version++
	err = s.setEndpointLocked(&s.channelEndpoint, endpoint)
	if err == nil {
		m.publishLocked(s, bus.KindChannelReady, map[string]string{"endpoint": endpoint})
	}
	s.mu.Unlock()
	if err != nil {
		m.logger.Error("channel endpoint changed", "session", s.id, "endpoint", endpoint, "err", err)
	}

	m.logger.Info("session provisioned", "session", s.id, "workspace", dir)
	return m.transition(s.ctx, s, Active)
}

// runTurn drives one turn: producer, rescan, index publish, preview on the
// first successful turn, then back to awaiting input.
func (m *Manager) runTurn(s *Session, req turnRequest) error {
	if err := m.transition(s.ctx, s, Active); err != nil {
		return err
	}

	s.mu.Lock()
	s.turns++
	turn := producer.Turn{
		SessionID: s.id,
		Number:    s.turns,
		Prompt:    req.message,
		Workspace: s.workspace,
		ResumeID:  s.externalID,
	}
	s.version++
	m.publishLocked(s, bus.KindTurnStarted, map[string]any{"turn": turn.Number, "message": req.message})
	s.mu.Unlock()

	if turn.Number == 1 {
		turn.Prompt = strings.ReplaceAll(m.cfg.PromptTemplate, "{message}", req.message)
	}

	ctx, cancel := context.WithTimeout(s.ctx, m.cfg.TurnTimeout)
	defer cancel()
	result, err := m.producer.Run(ctx, turn, func(p producer.Progress) {
		m.publishProgress(s, p)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
			return errTurnTimeout
		}
		return err
	}

	s.mu.Lock()
	if result.ExternalID != "" {
		s.externalID = result.ExternalID
	}
	s.mu.Unlock()

	m.index(s, turn.Workspace)
	m.ensurePreview(s, turn.Workspace)

	if err := m.transition(s.ctx, s, AwaitingInput); err != nil {
		return err
	}
	m.publish(s, bus.KindTurnComplete, map[string]any{
		"turn":       turn.Number,
		"durationMs": result.DurationMs,
		"numTurns":   result.NumTurns,
		"costUsd":    result.CostUSD,
	})
	return nil
}

var errTurnTimeout = errors.New(CauseTurnTimeout)

func (m *Manager) publishProgress(s *Session, p producer.Progress) {
	switch p.Kind {
	case producer.ProgressText:
		m.publish(s, bus.KindContentDelta, map[string]string{"text": p.Text})
	case producer.ProgressThinking:
		m.publish(s, bus.KindThinking, map[string]string{"text": p.Text})
	case producer.ProgressToolUse:
		input := p.ToolInput
		if len(input) == 0 {
			input = []byte(`{}`)
		}
		m.publish(s, bus.KindToolInvoked, map[string]any{"name": p.ToolName, "input": input, "toolUseId": p.ToolUseID})
	case producer.ProgressToolResult:
		m.publish(s, bus.KindToolResult, map[string]any{"toolUseId": p.ToolUseID, "result": p.Text, "isError": p.IsError})
	}
}

// index normalizes permissions after the write phase, rescans the
// workspace and publishes the new index, replacing the previous one.
func (m *Manager) index(s *Session, dir string) {
	if err := supervisor.NormalizePermissions(dir); err != nil {
		m.logger.Warn("normalizing workspace permissions", "session", s.id, "err", err)
	}
	idx := m.scanner.Scan(dir)

	s.mu.Lock()
	s.pages = &idx
	m.publishLocked(s, bus.KindPagesIndexed, idx)
	s.mu.Unlock()
	m.logger.Info("workspace indexed", "session", s.id, "pages", idx.TotalPages, "sections", idx.TotalSections)
}

// ensurePreview launches the preview once per session. A preview that was
// kept while unready is probed again; a failed launch is retried on the
// next turn. Preview problems never fail the session.
func (m *Manager) ensurePreview(s *Session, dir string) {
	if m.launcher == nil {
		return
	}
	s.mu.Lock()
	p := s.preview
	s.mu.Unlock()

	if p != nil {
		if !p.Ready() && p.Probe(s.ctx) {
			m.previewReady(s, p)
		}
		return
	}

	p, err := m.launcher.Launch(s.ctx, s.id, dir, func(endpoint string) {
		m.publish(s, bus.KindPreviewRestarted, map[string]string{"endpoint": endpoint})
	})
	if err != nil {
		if s.ctx.Err() == nil {
			m.logger.Warn("preview unavailable", "session", s.id, "err", err)
			m.publish(s, bus.KindPreviewUnready, map[string]string{"reason": err.Error()})
		}
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		p.Stop()
		return
	}
	s.preview = p
	s.mu.Unlock()

	if p.Ready() {
		m.previewReady(s, p)
		return
	}
	m.logger.Warn("preview running but not answering", "session", s.id, "endpoint", p.Endpoint())
	m.publish(s, bus.KindPreviewUnready, map[string]string{"reason": supervisor.TimedOut.String()})
}

func (m *Manager) previewReady(s *Session, p supervisor.Preview) {
	endpoint := p.Endpoint()
	s.mu.Lock()
	err := s.setEndpointLocked(&s.previewEndpoint, endpoint)
	if err == nil {
		m.publishLocked(s, bus.KindPreviewReady, map[string]string{"endpoint": endpoint})
	}
	current := s.previewEndpoint
	s.mu.Unlock()
	if err != nil {
		m.logger.Error("preview endpoint changed, keeping the original",
			"session", s.id, "current", current, "reported", endpoint)
		return
	}
	m.record(s.ctx, s)
}

func failureCause(err error) string {
	if errors.Is(err, errTurnTimeout) {
		return CauseTurnTimeout
	}
	return err.Error()
}

func dirSafe(id string) string {
	return strings.Map(func(r rune) rune {
		if r == ':' {
			return '_'
		}
		return r
	}, id)
}
