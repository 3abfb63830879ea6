package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	s := time.Second
	assert.Equal(t, []time.Duration{s, 2 * s, 4 * s, 8 * s, 16 * s, 30 * s, 30 * s, 30 * s}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffNeverExceedsCap(t *testing.T) {
	for _, tc := range []struct{ base, max time.Duration }{
		{time.Second, 30 * time.Second},
		{3 * time.Second, 10 * time.Second},
		{time.Millisecond, time.Millisecond},
		{5 * time.Second, time.Second},
		{0, 0},
	} {
		t.Run(fmt.Sprintf("%v-%v", tc.base, tc.max), func(t *testing.T) {
			b := Backoff{Base: tc.base, Max: tc.max}
			_, max := b.bounds()
			prev := time.Duration(0)
			for i := 0; i < 50; i++ {
				d := b.Next()
				assert.LessOrEqual(t, d, max)
				assert.GreaterOrEqual(t, d, prev, "delays never shrink without a reset")
				prev = d
			}
		})
	}
}

// streamServer runs handler for every websocket connection, passing the
// 1-based attempt number. Attempts for which reject returns a status are
// answered with that status instead of an upgrade.
type streamServer struct {
	*httptest.Server
	attempts atomic.Int32
	mu       sync.Mutex
	queries  []string
}

func newStreamServer(t *testing.T, reject func(attempt int) int, handler func(attempt int, conn *websocket.Conn)) *streamServer {
	t.Helper()
	s := &streamServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.attempts.Add(1))
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.RawQuery)
		s.mu.Unlock()
		if reject != nil {
			if code := reject(n); code != 0 {
				http.Error(w, "no", code)
				return
			}
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(n, conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) endpoint(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func (s *streamServer) recordedQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func send(t *testing.T, conn *websocket.Conn, seq uint64, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	_ = conn.WriteJSON(Message{Event: event, Timestamp: time.Now().UTC(), Data: raw, Sequence: seq, SessionID: "s1"})
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func collect(t *testing.T, c *Channel) ([]uint64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var seqs []uint64
	err := c.Run(ctx, func(m Message) { seqs = append(seqs, m.Sequence) })
	return seqs, err
}

func TestRunResumesWithoutDuplicates(t *testing.T) {
	srv := newStreamServer(t, nil, func(attempt int, conn *websocket.Conn) {
		switch attempt {
		case 1:
			send(t, conn, 1, "channel_ready", map[string]string{"endpoint": "x"})
			send(t, conn, 2, "turn_started", map[string]int{"turn": 1})
			// Dropped without a close frame.
		default:
			send(t, conn, 2, "turn_started", map[string]int{"turn": 1})
			send(t, conn, 3, "content_delta", map[string]string{"text": "hi"})
			send(t, conn, 4, "session_closed", map[string]string{})
			_, _, _ = conn.ReadMessage()
		}
	})

	sleeps := &sleepRecorder{}
	c := New(srv.endpoint("/api/sessions/s1/ws"), Options{Sleep: sleeps.sleep})
	seqs, err := collect(t, c)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
	assert.Equal(t, uint64(4), c.LastSequence())
	assert.Equal(t, []time.Duration{time.Second}, sleeps.recorded())
	assert.Equal(t, []string{"", "after=2"}, srv.recordedQueries())
}

func TestRunResetsBackoffAfterConnecting(t *testing.T) {
	reject := func(n int) int {
		if n <= 3 || n == 5 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	srv := newStreamServer(t, reject, func(attempt int, conn *websocket.Conn) {
		if attempt == 4 {
			send(t, conn, 1, "turn_started", map[string]int{"turn": 1})
			return
		}
		send(t, conn, 2, "session_failed", map[string]string{"cause": "boom"})
		_, _, _ = conn.ReadMessage()
	})

	sleeps := &sleepRecorder{}
	c := New(srv.endpoint("/ws"), Options{Sleep: sleeps.sleep})
	seqs, err := collect(t, c)
	require.NoError(t, err)

	s := time.Second
	assert.Equal(t, []uint64{1, 2}, seqs)
	assert.Equal(t, []time.Duration{s, 2 * s, 4 * s, s, 2 * s}, sleeps.recorded())
}

func TestRunStopsOnUnknownSession(t *testing.T) {
	srv := newStreamServer(t, func(int) int { return http.StatusNotFound }, nil)
	c := New(srv.endpoint("/ws"), Options{Sleep: (&sleepRecorder{}).sleep})
	_, err := collect(t, c)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRunRejectsSecondConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	srv := newStreamServer(t, nil, func(_ int, conn *websocket.Conn) {
		send(t, conn, 1, "turn_started", map[string]int{"turn": 1})
		<-release
		send(t, conn, 2, "session_closed", map[string]string{})
		_, _, _ = conn.ReadMessage()
	})
	defer close(release)

	c := New(srv.endpoint("/ws"), Options{})
	got := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(context.Background(), func(Message) {
			select {
			case got <- struct{}{}:
			default:
			}
		})
	}()
	<-got

	assert.ErrorIs(t, c.Run(context.Background(), func(Message) {}), ErrAlreadyRunning)
	assert.EqualValues(t, 1, srv.attempts.Load())

	release <- struct{}{}
	require.NoError(t, <-errc)
}

func TestRunFollowsChangedEndpoint(t *testing.T) {
	var oldClosed atomic.Bool
	next := newStreamServer(t, nil, func(_ int, conn *websocket.Conn) {
		send(t, conn, 3, "session_closed", map[string]string{})
		_, _, _ = conn.ReadMessage()
	})
	first := newStreamServer(t, nil, func(_ int, conn *websocket.Conn) {
		send(t, conn, 1, "channel_ready", map[string]string{"endpoint": "ws://ignored.example/ws"})
		send(t, conn, 2, "channel_ready", map[string]string{"endpoint": next.endpoint("/ws")})
		_, _, err := conn.ReadMessage()
		oldClosed.Store(err != nil)
	})

	sleeps := &sleepRecorder{}
	c := New(first.endpoint("/ws"), Options{Sleep: sleeps.sleep})
	seqs, err := collect(t, c)
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	assert.Empty(t, sleeps.recorded(), "switching endpoints is not a reconnect")
	assert.Equal(t, []string{"after=2"}, next.recordedQueries())
	assert.EqualValues(t, 1, first.attempts.Load())
	require.Eventually(t, oldClosed.Load, time.Second, 10*time.Millisecond)
	assert.Equal(t, next.endpoint("/ws"), c.Endpoint())
}

func TestSendWritesPrompt(t *testing.T) {
	prompts := make(chan map[string]string, 1)
	srv := newStreamServer(t, nil, func(_ int, conn *websocket.Conn) {
		send(t, conn, 1, "turn_complete", map[string]int{"turn": 1})
		var p map[string]string
		if conn.ReadJSON(&p) == nil {
			prompts <- p
		}
		send(t, conn, 2, "session_closed", map[string]string{})
		_, _, _ = conn.ReadMessage()
	})

	c := New(srv.endpoint("/ws"), Options{})
	assert.ErrorIs(t, c.Send("too early"), ErrNotConnected)

	err := c.Run(context.Background(), func(m Message) {
		if m.Event == "turn_complete" {
			assert.NoError(t, c.Send("add a footer"))
		}
	})
	require.NoError(t, err)

	p := <-prompts
	assert.Equal(t, "prompt", p["type"])
	assert.Equal(t, "add a footer", p["message"])
	assert.NotEmpty(t, p["timestamp"])
}

func TestRunHonorsCancellation(t *testing.T) {
	srv := newStreamServer(t, nil, func(_ int, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	c := New(srv.endpoint("/ws"), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, func(Message) {}) }()

	require.Eventually(t, func() bool { return srv.attempts.Load() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
