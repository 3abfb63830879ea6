package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/jadypamella/natively-case/internal/logging"
)

// ErrNotReady is returned by Launch when the preview never answered and
// the launcher is configured not to keep unready processes.
var ErrNotReady = errors.New("supervisor: preview not ready")

const tailLines = 20

// Preview is a preview process as seen by its session.
type Preview interface {
	// Endpoint is the address browsers use. It stays the same across
	// restarts.
	Endpoint() string
	Ready() bool
	// Probe checks an unready preview once more and marks it ready if it
	// now answers.
	Probe(ctx context.Context) bool
	Stop()
}

type LauncherConfig struct {
	// Command is the argv template; {port}, {host} and {dir} are substituted.
	Command         []string
	Host            string
	PublicHost      string
	KeepUnready     bool
	MonitorInterval time.Duration
	Logger          *log.Logger
}

// Launcher starts one static preview server per session workspace.
type Launcher struct {
	sup    *Supervisor
	cfg    LauncherConfig
	logger *log.Logger
}

func NewLauncher(sup *Supervisor, cfg LauncherConfig) *Launcher {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = cfg.Host
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	return &Launcher{sup: sup, cfg: cfg, logger: logging.OrDiscard(cfg.Logger)}
}

// Launch starts a preview for dir on a free port and waits for it. The
// returned preview is monitored: a ready one is restarted on the same port
// whenever it stops answering, an unready one kept alive is restarted when
// its process exits. onRestart is called after each restart of a ready
// preview.
func (l *Launcher) Launch(ctx context.Context, sessionID, dir string, onRestart func(endpoint string)) (Preview, error) {
	port, err := FreePort(l.cfg.Host)
	if err != nil {
		return nil, err
	}
	cmd := Command{
		Argv: expand(l.cfg.Command, l.cfg.Host, port, dir),
		Dir:  dir,
		Addr: net.JoinHostPort(l.cfg.Host, strconv.Itoa(port)),
		Name: sessionID,
	}
	h, err := l.sup.Start(cmd)
	if err != nil {
		return nil, err
	}

	logger := l.logger.With("session", sessionID, "addr", cmd.Addr)
	p := &preview{
		sup:       l.sup,
		endpoint:  fmt.Sprintf("http://%s/", net.JoinHostPort(l.cfg.PublicHost, strconv.Itoa(port))),
		interval:  l.cfg.MonitorInterval,
		onRestart: onRestart,
		logger:    logger,
		handle:    h,
	}

	readiness, err := l.sup.AwaitReady(ctx, h, 0)
	if err != nil {
		logTail(logger, h, "preview failed to start")
		h.Stop()
		return nil, err
	}
	if readiness == TimedOut {
		logTail(logger, h, "preview did not become ready")
		if !l.cfg.KeepUnready {
			h.Stop()
			return nil, ErrNotReady
		}
		p.mu.Lock()
		p.startMonitorLocked()
		p.mu.Unlock()
		return p, nil
	}
	p.markReady()
	return p, nil
}

type preview struct {
	sup       *Supervisor
	endpoint  string
	interval  time.Duration
	onRestart func(string)
	logger    *log.Logger

	mu      sync.Mutex
	handle  *Handle
	ready   bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (p *preview) Endpoint() string {
	return p.endpoint
}

func (p *preview) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *preview) Probe(ctx context.Context) bool {
	p.mu.Lock()
	h, ready, stopped := p.handle, p.ready, p.stopped
	p.mu.Unlock()
	if ready || stopped {
		return ready
	}
	if !p.sup.Check(ctx, h) {
		return false
	}
	p.markReady()
	return true
}

func (p *preview) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	p.mu.Lock()
	h := p.handle
	p.mu.Unlock()
	h.Stop()
}

func (p *preview) markReady() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready || p.stopped {
		return
	}
	p.ready = true
	p.startMonitorLocked()
}

func (p *preview) startMonitorLocked() {
	if p.cancel != nil || p.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.monitor(ctx)
}

// monitor replaces a failed process with a fresh one on the same address.
// A ready preview has failed when it stops answering; an unready one only
// when its process is gone, since readiness is left to Probe.
func (p *preview) monitor(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		h, ready := p.handle, p.ready
		p.mu.Unlock()
		if ready && p.sup.Check(ctx, h) {
			continue
		}
		if !ready && !h.Exited() {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		logTail(p.logger, h, "preview unhealthy, restarting")
		h.Stop()
		next, err := p.sup.Start(h.Command())
		if err != nil {
			p.logger.Error("restarting preview", "err", err)
			continue
		}
		p.mu.Lock()
		p.handle = next
		p.mu.Unlock()

		readiness, err := p.sup.AwaitReady(ctx, next, 0)
		if ctx.Err() != nil {
			return
		}
		if err != nil || readiness != Ready {
			logTail(p.logger, next, "restarted preview not ready")
			continue
		}
		if ready && p.onRestart != nil {
			p.onRestart(p.endpoint)
		}
	}
}

// FreePort asks the kernel for an unused TCP port on host.
func FreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func expand(argv []string, host string, port int, dir string) []string {
	r := strings.NewReplacer("{port}", strconv.Itoa(port), "{host}", host, "{dir}", dir)
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = r.Replace(arg)
	}
	return out
}

func logTail(logger *log.Logger, h *Handle, msg string) {
	logger.Warn(msg, "pid", h.PID(), "exit", h.ExitErr(), "log", h.LogPath())
	for _, line := range h.Tail(tailLines) {
		logger.Warn("  " + line)
	}
}
