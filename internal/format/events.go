package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jadypamella/natively-case/internal/channel"
)

// EventPrinter renders a session's event stream as it arrives. Content
// deltas are written inline so generated text reads as prose; every other
// event gets its own line.
type EventPrinter struct {
	w      io.Writer
	st     styles
	width  int
	raw    bool
	inline bool
}

// NewEventPrinter writes to w, truncating event lines to width columns.
// With raw set every message is written as one JSON line instead.
func NewEventPrinter(w io.Writer, width int, raw bool) *EventPrinter {
	if width <= 0 {
		width = 80
	}
	return &EventPrinter{w: w, st: newStyles(w), width: width, raw: raw}
}

func (p *EventPrinter) Print(m channel.Message) error {
	if p.raw {
		return json.NewEncoder(p.w).Encode(m)
	}

	if m.Event == "content_delta" {
		var d struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(m.Data, &d)
		p.inline = true
		_, err := io.WriteString(p.w, d.Text)
		return err
	}

	if p.inline {
		p.inline = false
		if _, err := io.WriteString(p.w, "\n"); err != nil {
			return err
		}
	}
	label := fmt.Sprintf("%-17s", m.Event)
	prefix := fmt.Sprintf("%4d ", m.Sequence)
	summary := truncate(Summarize(m), p.width-len(prefix)-len(label)-1)
	_, err := fmt.Fprintf(p.w, "%s%s %s\n",
		p.st.fg(ColorDimmed).Render(prefix),
		p.st.bold(EventColor(m.Event)).Render(label),
		summary)
	return err
}

// Finish ends a pending inline run.
func (p *EventPrinter) Finish() error {
	if !p.inline {
		return nil
	}
	p.inline = false
	_, err := io.WriteString(p.w, "\n")
	return err
}

// Summarize describes an event payload in one line.
func Summarize(m channel.Message) string {
	var d map[string]any
	_ = json.Unmarshal(m.Data, &d)
	str := func(key string) string {
		if v, ok := d[key].(string); ok {
			return v
		}
		return ""
	}
	num := func(key string) string {
		if v, ok := d[key].(float64); ok {
			return fmt.Sprintf("%g", v)
		}
		return "?"
	}

	switch m.Event {
	case "channel_ready", "preview_ready", "preview_restarted":
		return str("endpoint")
	case "turn_started":
		return fmt.Sprintf("turn %s: %s", num("turn"), oneLine(str("message")))
	case "thinking":
		return oneLine(str("text"))
	case "tool_invoked":
		input, _ := json.Marshal(d["input"])
		return str("name") + " " + string(input)
	case "tool_result":
		if b, _ := d["isError"].(bool); b {
			return "error: " + oneLine(str("result"))
		}
		return oneLine(str("result"))
	case "pages_indexed":
		return fmt.Sprintf("%s pages, %s sections", num("totalPages"), num("totalSections"))
	case "preview_unready":
		return str("reason")
	case "turn_complete":
		return fmt.Sprintf("turn %s in %sms", num("turn"), num("durationMs"))
	case "session_failed":
		return str("cause")
	case "error":
		return str("code") + ": " + str("message")
	default:
		return oneLine(string(m.Data))
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if n <= 3 {
		n = 3
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
