package producer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jadypamella/natively-case/internal/logging"
	"github.com/jadypamella/natively-case/internal/proctree"
)

const (
	maxLineBytes     = 4 << 20
	stderrTailCap    = 4 << 10
	defaultWaitDelay = 2 * time.Second
)

// Command runs an external agent CLI that prints its progress as JSON lines
// on stdout: assistant messages with text, thinking and tool_use blocks,
// user messages with tool_result blocks, and one closing result line.
type Command struct {
	// Argv is the base command; the prompt is appended as the last argument.
	Argv []string
	// ResumeFlag, when set, is passed with the previous turn's ExternalID.
	ResumeFlag string
	Env        map[string]string
	// WaitDelay bounds how long a finished or cancelled turn waits for
	// background processes still holding its output. Defaults to 2s.
	WaitDelay time.Duration
	Logger    *log.Logger
}

type streamLine struct {
	Type    string         `json:"type"`
	Message *streamMessage `json:"message,omitempty"`
	IsError bool           `json:"is_error"`
	Result  string         `json:"result"`
	Subtype string         `json:"subtype"`

	SessionID  string  `json:"session_id"`
	DurationMs int64   `json:"duration_ms"`
	NumTurns   int     `json:"num_turns"`
	CostUSD    float64 `json:"total_cost_usd"`
}

type streamMessage struct {
	Content json.RawMessage `json:"content"`
}

type streamBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (c *Command) Run(ctx context.Context, turn Turn, emit func(Progress)) (Result, error) {
	if len(c.Argv) == 0 {
		return Result{}, errors.New("producer: empty command")
	}
	logger := logging.OrDiscard(c.Logger).With("session", turn.SessionID, "turn", turn.Number)

	args := slices.Clone(c.Argv[1:])
	if c.ResumeFlag != "" && turn.ResumeID != "" {
		args = append(args, c.ResumeFlag, turn.ResumeID)
	}
	args = append(args, turn.Prompt)

	cmd := exec.CommandContext(ctx, c.Argv[0], args...)
	cmd.Dir = turn.Workspace
	cmd.Env = os.Environ()
	for _, k := range slices.Sorted(maps.Keys(c.Env)) {
		cmd.Env = append(cmd.Env, k+"="+c.Env[k])
	}
	proctree.Isolate(cmd)
	cmd.Cancel = func() error { return proctree.Kill(cmd) }
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	stderr := &tailBuffer{max: stderrTailCap}
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return Result{}, fmt.Errorf("start producer: %w", err)
	}
	logger.Debug("producer started", "pid", cmd.Process.Pid)

	parsed := make(chan streamOutcome, 1)
	go func() {
		out := parseStream(pr, emit, logger)
		_, _ = io.Copy(io.Discard, pr)
		parsed <- out
	}()

	waitErr := cmd.Wait()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn("producer left background processes holding its output", "wait_delay", cmd.WaitDelay)
		waitErr = nil
	}
	if err := proctree.KillGroup(cmd); err != nil {
		logger.Debug("kill leftover producer processes", "err", err)
	}
	_ = pw.Close()
	out := <-parsed

	switch {
	case ctx.Err() != nil:
		return out.result, ctx.Err()
	case out.upstream != nil:
		return out.result, out.upstream
	case waitErr != nil:
		return out.result, fmt.Errorf("producer exited: %w%s", waitErr, stderr.suffix())
	case out.readErr != nil:
		return out.result, fmt.Errorf("read producer output: %w", out.readErr)
	case !out.done:
		return out.result, fmt.Errorf("%w: producer ended without a result%s", ErrUpstream, stderr.suffix())
	}
	return out.result, nil
}

type streamOutcome struct {
	result   Result
	done     bool
	upstream error
	readErr  error
}

// parseStream reads JSON lines until the result line or EOF. Lines that are
// not valid JSON are skipped.
func parseStream(r io.Reader, emit func(Progress), logger *log.Logger) streamOutcome {
	logger = logging.OrDiscard(logger)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry streamLine
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Debug("skipping malformed producer line", "err", err)
			continue
		}

		switch entry.Type {
		case "assistant", "user":
			if entry.Message != nil {
				emitBlocks(entry.Type, entry.Message.Content, emit)
			}
		case "result":
			out := streamOutcome{
				done: true,
				result: Result{
					ExternalID: entry.SessionID,
					DurationMs: entry.DurationMs,
					NumTurns:   entry.NumTurns,
					CostUSD:    entry.CostUSD,
				},
			}
			if entry.IsError {
				cause := entry.Result
				if cause == "" {
					cause = entry.Subtype
				}
				out.upstream = fmt.Errorf("%w: %s", ErrUpstream, cause)
			}
			return out
		}
	}
	return streamOutcome{readErr: scanner.Err()}
}

// emitBlocks reports the content blocks of one message. Plain string
// content is only meaningful from the assistant; the user side echoes the
// prompt.
func emitBlocks(role string, raw json.RawMessage, emit func(Progress)) {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		if role == "assistant" && text != "" {
			emit(Progress{Kind: ProgressText, Text: text})
		}
		return
	}
	var blocks []streamBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			emit(Progress{Kind: ProgressText, Text: b.Text})
		case "thinking":
			emit(Progress{Kind: ProgressThinking, Text: b.Thinking})
		case "tool_use":
			emit(Progress{Kind: ProgressToolUse, ToolName: b.Name, ToolInput: b.Input, ToolUseID: b.ID})
		case "tool_result":
			emit(Progress{Kind: ProgressToolResult, ToolUseID: b.ToolUseID, Text: resultText(b.Content), IsError: b.IsError})
		}
	}
}

func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) suffix() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.TrimSpace(string(t.buf))
	if s == "" {
		return ""
	}
	return ": " + s
}
