package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jadypamella/natively-case/internal/bus"
	"github.com/jadypamella/natively-case/internal/producer"
	"github.com/jadypamella/natively-case/internal/session"
)

type testEnv struct {
	ts      *httptest.Server
	server  *Server
	manager *session.Manager
}

func newTestEnv(t *testing.T, p producer.Producer, opts Options, tweak ...func(*session.Config)) *testEnv {
	t.Helper()
	cfg := session.Config{WorkspaceRoot: t.TempDir(), BaseURL: "http://preview.test"}
	for _, f := range tweak {
		f(&cfg)
	}
	b := bus.New()
	m := session.NewManager(cfg, b, p)
	srv := NewServer(m, b, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.CloseClients()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		b.Close()
	})
	return &testEnv{ts: ts, server: srv, manager: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.ts.URL, "http")+path, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) []Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var out []Message
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", event)
		out = append(out, msg)
		if msg.Event == event {
			return out
		}
	}
}

func startSession(t *testing.T, e *testEnv, id string) *websocket.Conn {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: id, Message: "coffee shop landing page"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	conn := e.dial(t, "/api/sessions/"+id+"/ws")
	readUntil(t, conn, string(bus.KindTurnComplete))
	return conn
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestInfoAndHealth(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{Version: "1.2.3"})

	info := decode[ServiceInfo](t, e.do(t, http.MethodGet, "/", nil))
	assert.Equal(t, ServiceInfo{Service: "previewd", Status: "ok", Version: "1.2.3"}, info)

	resp := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Zero(t, health.ConnectedClients)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/nope", nil).StatusCode)
}

func TestChatStreamsSessionToCompletion(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{Privacy: session.PrivacyFilter{MaskWorkspaces: true}})

	resp := e.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: "s1", Message: "coffee shop landing page"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[session.Snapshot](t, resp)
	assert.Equal(t, "s1", created.ID)

	conn := e.dial(t, "/api/sessions/s1/ws")
	msgs := readUntil(t, conn, string(bus.KindTurnComplete))
	require.NotEmpty(t, msgs)
	assert.Equal(t, string(bus.KindChannelReady), msgs[0].Event)
	assert.JSONEq(t, `{"endpoint":"ws://preview.test/api/sessions/s1/ws"}`, string(msgs[0].Data))
	for i, msg := range msgs {
		assert.Equal(t, uint64(i+1), msg.Sequence, "no gaps or duplicates")
		assert.Equal(t, "s1", msg.SessionID)
	}
	var events []string
	for _, msg := range msgs {
		events = append(events, msg.Event)
	}
	assert.Contains(t, events, string(bus.KindContentDelta))
	assert.Contains(t, events, string(bus.KindPagesIndexed))

	require.Eventually(t, func() bool { return e.server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	status := decode[session.Snapshot](t, e.do(t, http.MethodGet, "/api/sessions/s1", nil))
	assert.Equal(t, session.AwaitingInput, status.Status)
	assert.True(t, strings.HasPrefix(status.Workspace, "session-s1-"), "workspace is masked: %s", status.Workspace)

	// Attaching again returns the same session without a new turn.
	resp = e.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: "s1", Message: "ignored"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[session.Snapshot](t, resp).Turns)

	list := decode[[]session.Snapshot](t, e.do(t, http.MethodGet, "/api/sessions", nil))
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)
}

func TestPromptFrameSubmitsTurn(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{})
	conn := startSession(t, e, "s1")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: ClientPrompt, Message: "add a footer"}))
	msgs := readUntil(t, conn, string(bus.KindTurnComplete))
	assert.Equal(t, string(bus.KindTurnStarted), msgs[0].Event)
	assert.JSONEq(t, `{"turn":2,"message":"add a footer"}`, string(msgs[0].Data))

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "shout", Message: "x"}))
	msgs = readUntil(t, conn, EventError)
	var detail ErrorDetail
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Data, &detail))
	assert.Equal(t, "invalid_message", detail.Code)
}

func TestSubscribeResumesAfterSequence(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{})
	startSession(t, e, "s1")

	conn := e.dial(t, "/api/sessions/s1/ws?after=3")
	var msg Message
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, uint64(4), msg.Sequence)

	events := decode[[]Message](t, e.do(t, http.MethodGet, "/api/sessions/s1/events?after=2", nil))
	require.NotEmpty(t, events)
	assert.Equal(t, uint64(3), events[0].Sequence)
	assert.Equal(t, string(bus.KindTurnComplete), events[len(events)-1].Event)
}

func TestCloseEndsStream(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{})
	conn := startSession(t, e, "s1")

	resp := e.do(t, http.MethodPost, "/api/sessions/s1/close", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.Completed, decode[session.Snapshot](t, resp).Status)

	readUntil(t, conn, string(bus.KindSessionClosed))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	resp = e.do(t, http.MethodPost, "/api/sessions/s1/turns", TurnRequest{Message: "more"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "session_terminal", decode[ErrorBody](t, resp).Error.Code)

	// A late subscriber replays the history and is then closed.
	late := e.dial(t, "/api/sessions/s1/ws")
	readUntil(t, late, string(bus.KindSessionClosed))
}

func TestSessionResources(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{})
	startSession(t, e, "s1")

	var idx struct {
		TotalPages int `json:"totalPages"`
		Pages      []struct {
			URL string `json:"url"`
		} `json:"pages"`
	}
	resp := e.do(t, http.MethodGet, "/api/sessions/s1/pages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&idx))
	assert.Equal(t, 1, idx.TotalPages)
	assert.Equal(t, "/", idx.Pages[0].URL)

	health := decode[HealthResponse](t, e.do(t, http.MethodGet, "/api/sessions/s1/health", nil))
	assert.Equal(t, "healthy", health.Status)

	resp = e.do(t, http.MethodPost, "/api/sessions/s1/turns", TurnRequest{Message: "add pricing"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/sessions/s1", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/sessions/s1", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/api/sessions/s1", nil).StatusCode)
}

func TestErrorResponses(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown session", http.MethodGet, "/api/sessions/missing", nil, http.StatusNotFound, "not_found"},
		{"unknown session pages", http.MethodGet, "/api/sessions/missing/pages", nil, http.StatusNotFound, "not_found"},
		{"empty message", http.MethodPost, "/api/chat", ChatRequest{Message: "  "}, http.StatusBadRequest, "invalid_request"},
		{"bad id", http.MethodPost, "/api/chat", ChatRequest{SessionID: "../x", Message: "hi"}, http.StatusBadRequest, "invalid_request"},
		{"bad body", http.MethodPost, "/api/chat", "not an object", http.StatusBadRequest, "invalid_request"},
		{"turn on unknown session", http.MethodPost, "/api/sessions/missing/turns", TurnRequest{Message: "hi"}, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorBody](t, resp).Error.Code)
		})
	}

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.ts.URL, "http")+"/api/sessions/missing/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	startSession(t, e, "s1")
	resp = e.do(t, http.MethodGet, "/api/sessions/s1/events?after=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBusySessionIsRetryable(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{Delay: time.Hour}, Options{}, func(c *session.Config) {
		c.MaxQueuedTurns = 1
	})
	resp := e.do(t, http.MethodPost, "/api/chat", ChatRequest{SessionID: "busy", Message: "page"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var rejected *http.Response
	for i := 0; i < 5 && rejected == nil; i++ {
		resp := e.do(t, http.MethodPost, "/api/sessions/busy/turns", TurnRequest{Message: "next"})
		if resp.StatusCode == http.StatusServiceUnavailable {
			rejected = resp
		}
	}
	require.NotNil(t, rejected, "a full queue must be rejected")
	assert.Equal(t, "1", rejected.Header.Get("Retry-After"))
	assert.Equal(t, "busy", decode[ErrorBody](t, rejected).Error.Code)
}

func TestAuthorization(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{AuthToken: "secret"})

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/sessions", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/sessions", nil, "Authorization", "Bearer wrong").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/sessions", nil, "Authorization", "Bearer secret").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/sessions", nil, "X-Preview-Token", "secret").StatusCode)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/sessions?token=secret", nil).StatusCode)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/health", nil).StatusCode, "health stays public")
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"localhost by default", nil, "http://localhost:3000", true},
		{"loopback by default", nil, "http://127.0.0.1:5173", true},
		{"same host", nil, "http://api.example.com", true},
		{"foreign by default", nil, "https://evil.example", false},
		{"allowed origin", []string{"https://app.example"}, "https://app.example", true},
		{"allowed host other scheme", []string{"https://app.example"}, "http://app.example", true},
		{"allow list excludes localhost", []string{"https://app.example"}, "http://localhost:3000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, bus.New(), Options{AllowedOrigins: tt.allowed})
			req := httptest.NewRequest(http.MethodGet, "http://api.example.com/api/sessions/s1/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(req))
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, &producer.Scripted{}, Options{})

	resp := e.do(t, http.MethodOptions, "/api/chat", nil, "Origin", "http://localhost:3000")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = e.do(t, http.MethodOptions, "/api/chat", nil, "Origin", "https://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
