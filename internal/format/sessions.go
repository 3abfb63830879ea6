// Package format renders sessions, events and health for the command line.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"

	"github.com/jadypamella/natively-case/internal/channel"
)

// WriteSessions writes session summaries to w in the requested format:
// table, plain, json or jsonl.
func WriteSessions(w io.Writer, items []channel.Status, includeHeader bool, format string) error {
	switch strings.ToLower(format) {
	case "", "table":
		return writeSessionsTable(w, items, includeHeader)
	case "plain":
		return writeSessionsPlain(w, items, includeHeader)
	case "json":
		return writeJSON(w, items)
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, item := range items {
			if err := enc.Encode(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeSessionsPlain(w io.Writer, items []channel.Status, includeHeader bool) error {
	if includeHeader {
		if _, err := fmt.Fprintln(w, "session_id\tstatus\tturns\tcreated_at\tlast_activity_at\tpreview\tcause"); err != nil {
			return err
		}
	}
	for _, item := range items {
		line := fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%s\t%s",
			item.SessionID,
			item.Status,
			item.Turns,
			item.CreatedAt.Format(time.RFC3339),
			item.LastActivityAt.Format(time.RFC3339),
			dash(item.PreviewEndpoint),
			dash(item.Cause),
		)
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func writeSessionsTable(w io.Writer, items []channel.Status, includeHeader bool) error {
	st := newStyles(w)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 5, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 6, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 40},
	})

	if includeHeader {
		tw.AppendHeader(table.Row{"Session ID", "Status", "Turns", "Idle", "Preview", "Cause"})
	}
	now := time.Now()
	for _, item := range items {
		tw.AppendRow(table.Row{
			item.SessionID,
			st.fg(StatusColor(item.Status)).Render(item.Status),
			item.Turns,
			formatAge(now.Sub(item.LastActivityAt)),
			dash(item.PreviewEndpoint),
			dash(item.Cause),
		})
	}
	if len(items) == 0 {
		tw.AppendRow(table.Row{"(no sessions)", "-", 0, "-", "-", "-"})
	}
	_ = tw.Render()
	return nil
}

// WriteStatus writes one session as a two-column table, or as JSON.
func WriteStatus(w io.Writer, s channel.Status, format string) error {
	if strings.EqualFold(format, "json") {
		return writeJSON(w, s)
	}
	st := newStyles(w)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	rows := []table.Row{
		{"Session", s.SessionID},
		{"Status", st.bold(StatusColor(s.Status)).Render(s.Status)},
		{"Turns", strconv.Itoa(s.Turns)},
		{"Queued turns", strconv.Itoa(s.QueuedTurns)},
		{"Created", s.CreatedAt.Format(time.RFC3339)},
		{"Last activity", s.LastActivityAt.Format(time.RFC3339)},
		{"Channel", dash(s.ChannelEndpoint)},
		{"Preview", dash(s.PreviewEndpoint)},
	}
	if s.Workspace != "" {
		rows = append(rows, table.Row{"Workspace", s.Workspace})
	}
	if s.Cause != "" {
		rows = append(rows, table.Row{"Cause", s.Cause})
	}
	tw.AppendRows(rows)
	_ = tw.Render()
	return nil
}

// WriteHealth writes the service liveness probe.
func WriteHealth(w io.Writer, h channel.Health, format string) error {
	if strings.EqualFold(format, "json") {
		return writeJSON(w, h)
	}
	st := newStyles(w)
	color := ColorCompleted
	if h.Status != "healthy" {
		color = ColorFailed
	}
	_, err := fmt.Fprintf(w, "%s  clients=%d queued=%d\n",
		st.bold(color).Render(h.Status), h.ConnectedClients, h.QueuedEvents)
	return err
}

// Width returns the terminal width of f, or COLUMNS, or 80.
func Width(f *os.File) int {
	if f != nil {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return 80
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return d.Truncate(time.Second).String()
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
