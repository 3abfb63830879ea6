package format

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jadypamella/natively-case/internal/channel"
)

var created = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func sampleSessions() []channel.Status {
	return []channel.Status{
		{SessionID: "s2", Status: "awaiting_input", Turns: 2, CreatedAt: created, LastActivityAt: created, PreviewEndpoint: "http://127.0.0.1:4100/"},
		{SessionID: "s1", Status: "failed", Turns: 1, CreatedAt: created, LastActivityAt: created, Cause: "idle_timeout"},
	}
}

func TestWriteSessionsPlain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSessions(&buf, sampleSessions(), true, "plain"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "session_id\tstatus\tturns\tcreated_at\tlast_activity_at\tpreview\tcause", lines[0])
	assert.Equal(t, "s2\tawaiting_input\t2\t2026-10-18T09:00:00Z\t2026-10-18T09:00:00Z\thttp://127.0.0.1:4100/\t-", lines[1])
	assert.Equal(t, "s1\tfailed\t1\t2026-10-18T09:00:00Z\t2026-10-18T09:00:00Z\t-\tidle_timeout", lines[2])
}

func TestWriteSessionsTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSessions(&buf, sampleSessions(), true, "table"))
	out := buf.String()
	assert.Contains(t, out, "SESSION ID")
	assert.Contains(t, out, "awaiting_input")
	assert.Contains(t, out, "idle_timeout")

	buf.Reset()
	require.NoError(t, WriteSessions(&buf, nil, false, ""))
	assert.Contains(t, buf.String(), "(no sessions)")
}

func TestWriteSessionsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSessions(&buf, sampleSessions(), true, "json"))
	var back []channel.Status
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, sampleSessions(), back)

	buf.Reset()
	require.NoError(t, WriteSessions(&buf, sampleSessions(), true, "jsonl"))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))

	assert.Error(t, WriteSessions(&buf, nil, true, "xml"))
}

func msg(seq uint64, event, data string) channel.Message {
	return channel.Message{Event: event, Sequence: seq, Data: json.RawMessage(data)}
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := NewEventPrinter(&buf, 80, false)
	for _, m := range []channel.Message{
		msg(1, "channel_ready", `{"endpoint":"ws://localhost:8080/api/sessions/s1/ws"}`),
		msg(2, "turn_started", `{"turn":1,"message":"build a page"}`),
		msg(3, "content_delta", `{"text":"I'll build "}`),
		msg(4, "content_delta", `{"text":"a page."}`),
		msg(5, "pages_indexed", `{"totalPages":1,"totalSections":4,"pages":[]}`),
		msg(6, "session_failed", `{"cause":"producer: upstream error"}`),
	} {
		require.NoError(t, p.Print(m))
	}
	require.NoError(t, p.Finish())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "channel_ready")
	assert.Contains(t, lines[0], "ws://localhost:8080/api/sessions/s1/ws")
	assert.Contains(t, lines[1], "turn 1: build a page")
	assert.Equal(t, "I'll build a page.", lines[2])
	assert.Contains(t, lines[3], "1 pages, 4 sections")
	assert.Contains(t, lines[4], "producer: upstream error")
}

func TestEventPrinterTruncatesAndRaw(t *testing.T) {
	var buf bytes.Buffer
	p := NewEventPrinter(&buf, 40, false)
	require.NoError(t, p.Print(msg(1, "thinking", `{"text":"`+strings.Repeat("long ", 30)+`"}`)))
	line := strings.TrimRight(buf.String(), "\n")
	assert.LessOrEqual(t, len([]rune(line)), 40)
	assert.True(t, strings.HasSuffix(line, "..."))

	buf.Reset()
	p = NewEventPrinter(&buf, 40, true)
	require.NoError(t, p.Print(msg(7, "turn_complete", `{"turn":1}`)))
	var back channel.Message
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, uint64(7), back.Sequence)
}

func TestWriteStatusAndHealth(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, sampleSessions()[1], ""))
	assert.Contains(t, buf.String(), "idle_timeout")
	assert.Contains(t, buf.String(), "failed")

	buf.Reset()
	require.NoError(t, WriteHealth(&buf, channel.Health{Status: "healthy", ConnectedClients: 2, QueuedEvents: 5}, ""))
	assert.Equal(t, "healthy  clients=2 queued=5\n", buf.String())
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "42s", formatAge(42*time.Second))
	assert.Equal(t, "5m", formatAge(5*time.Minute+3*time.Second))
	assert.Equal(t, "2h05m", formatAge(2*time.Hour+5*time.Minute))
	assert.Equal(t, "0s", formatAge(-time.Second))
}
