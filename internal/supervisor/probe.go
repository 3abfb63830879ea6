package supervisor

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// Probe reports whether something is accepting connections at addr
// (host:port). Implementations must return promptly once ctx is done.
type Probe func(ctx context.Context, addr string) bool

// HTTPProbe treats any HTTP response as proof of life, whatever its status.
// A 404 from a server with no default document is still a live server; only
// a transport failure such as connection refused counts as not ready.
func HTTPProbe(timeout time.Duration) Probe {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return func(ctx context.Context, addr string) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return true
	}
}

// TCPProbe only checks that the port accepts a connection.
func TCPProbe(timeout time.Duration) Probe {
	return func(ctx context.Context, addr string) bool {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Readiness is the outcome of AwaitReady.
type Readiness int

const (
	Ready Readiness = iota
	TimedOut
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}
