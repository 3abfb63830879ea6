// Package supervisor starts preview processes, decides when they are ready
// to serve, keeps them alive and stops them along with their children.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jadypamella/natively-case/internal/logging"
	"github.com/jadypamella/natively-case/internal/proctree"
)

var (
	ErrEmptyCommand = errors.New("supervisor: empty command")
	// ErrProcessExited is returned by AwaitReady when the process dies
	// before it ever answered a probe.
	ErrProcessExited = errors.New("supervisor: process exited")
)

const tailBytes = 16 << 10

type Options struct {
	ProbeInterval time.Duration
	ProbeAttempts int
	// Probe defaults to HTTPProbe(ProbeTimeout).
	Probe        Probe
	ProbeTimeout time.Duration
	StopGrace    time.Duration
	// LogDir receives one output file per started process. Empty discards
	// process output.
	LogDir string
	Logger *log.Logger
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = time.Second
	}
	if o.ProbeAttempts <= 0 {
		o.ProbeAttempts = 30
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.Probe == nil {
		o.Probe = HTTPProbe(o.ProbeTimeout)
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 5 * time.Second
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// Command describes a process to supervise.
type Command struct {
	Argv []string
	Dir  string
	// Addr is the host:port the process is expected to listen on.
	Addr string
	Env  []string
	// Name labels the process in logs and in its output file name.
	Name string
}

type Supervisor struct {
	opts   Options
	logger *log.Logger
}

func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{opts: opts, logger: opts.Logger}
}

// Handle is one started process.
type Handle struct {
	cmd     Command
	proc    *exec.Cmd
	logPath string
	grace   time.Duration
	logger  *log.Logger

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Start normalizes permissions on cmd.Dir and launches the process. The
// process is not tied to any request context; it lives until Stop.
func (s *Supervisor) Start(cmd Command) (*Handle, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	if cmd.Dir != "" {
		if err := NormalizePermissions(cmd.Dir); err != nil {
			s.logger.Warn("normalizing permissions", "dir", cmd.Dir, "err", err)
		}
	}

	proc := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)

	var out io.WriteCloser
	logPath := ""
	if s.opts.LogDir != "" {
		f, err := os.CreateTemp(s.opts.LogDir, "preview-"+sanitize(cmd.Name)+"-*.log")
		if err != nil {
			return nil, fmt.Errorf("create process log: %w", err)
		}
		out = f
		logPath = f.Name()
		proc.Stdout = f
		proc.Stderr = f
	}

	if err := proc.Start(); err != nil {
		if out != nil {
			out.Close()
		}
		return nil, fmt.Errorf("start %s: %w", cmd.Argv[0], err)
	}

	h := &Handle{
		cmd:     cmd,
		proc:    proc,
		logPath: logPath,
		grace:   s.opts.StopGrace,
		logger:  s.logger.With("pid", proc.Process.Pid, "name", cmd.Name),
		done:    make(chan struct{}),
	}
	go func() {
		h.waitErr = proc.Wait()
		if out != nil {
			out.Close()
		}
		close(h.done)
	}()

	h.logger.Info("process started", "argv", strings.Join(cmd.Argv, " "), "addr", cmd.Addr, "dir", cmd.Dir)
	return h, nil
}

// AwaitReady probes h's address every ProbeInterval until the probe passes,
// the attempt budget derived from timeout runs out, or the process exits.
// A zero timeout uses ProbeAttempts. Exit before readiness returns
// ErrProcessExited; ctx cancellation returns ctx.Err().
func (s *Supervisor) AwaitReady(ctx context.Context, h *Handle, timeout time.Duration) (Readiness, error) {
	attempts := s.opts.ProbeAttempts
	if timeout > 0 {
		attempts = max(1, int(timeout/s.opts.ProbeInterval))
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if h.Exited() {
			return TimedOut, fmt.Errorf("%w: %v", ErrProcessExited, h.ExitErr())
		}
		if s.opts.Probe(ctx, h.cmd.Addr) {
			h.logger.Info("process ready", "addr", h.cmd.Addr, "attempts", attempt)
			return Ready, nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-h.done:
		case <-time.After(s.opts.ProbeInterval):
		}
	}
	if h.Exited() {
		return TimedOut, fmt.Errorf("%w: %v", ErrProcessExited, h.ExitErr())
	}
	h.logger.Warn("process not ready", "addr", h.cmd.Addr, "attempts", attempts)
	return TimedOut, nil
}

// Check runs the readiness probe once.
func (s *Supervisor) Check(ctx context.Context, h *Handle) bool {
	return !h.Exited() && s.opts.Probe(ctx, h.cmd.Addr)
}

// Stop terminates the process and every descendant, escalating to kill
// after the grace period. Safe to call more than once and on an exited
// process.
func (s *Supervisor) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.Stop()
}

func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		if h.Exited() {
			return
		}
		tree := proctree.Tree(int32(h.proc.Process.Pid))
		if len(tree) == 0 {
			_ = h.proc.Process.Kill()
		}
		for _, p := range tree {
			_ = p.Terminate()
		}

		select {
		case <-h.done:
		case <-time.After(h.grace):
			h.logger.Warn("process ignored terminate, killing", "grace", h.grace)
			for _, p := range tree {
				_ = p.Kill()
			}
			_ = h.proc.Process.Kill()
			<-h.done
		}
		h.logger.Info("process stopped")
	})
}

func (h *Handle) PID() int {
	return h.proc.Process.Pid
}

func (h *Handle) Addr() string {
	return h.cmd.Addr
}

func (h *Handle) Command() Command {
	return h.cmd
}

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr is the wait error of an exited process.
func (h *Handle) ExitErr() error {
	if !h.Exited() {
		return nil
	}
	return h.waitErr
}

func (h *Handle) LogPath() string {
	return h.logPath
}

// Tail returns up to n trailing lines of the process output.
func (h *Handle) Tail(n int) []string {
	if h.logPath == "" || n <= 0 {
		return nil
	}
	f, err := os.Open(h.logPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > tailBytes {
		_, _ = f.Seek(-tailBytes, io.SeekEnd)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}
	lines := strings.Split(string(bytes.TrimRight(data, "\n")), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func sanitize(name string) string {
	if name == "" {
		return "proc"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
