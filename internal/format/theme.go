package format

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Status colors.
var (
	ColorCreated      = lipgloss.Color("#9ca3af")
	ColorProvisioning = lipgloss.Color("#7c3aed")
	ColorActive       = lipgloss.Color("#2563eb")
	ColorAwaiting     = lipgloss.Color("#d97706")
	ColorCompleted    = lipgloss.Color("#16a34a")
	ColorFailed       = lipgloss.Color("#dc2626")
)

// Event colors.
var (
	ColorThinking = lipgloss.Color("#6b7280")
	ColorToolUse  = lipgloss.Color("#d97706")
	ColorPreview  = lipgloss.Color("#06b6d4")
	ColorDimmed   = lipgloss.Color("#6b7280")
)

// StatusColor returns the color for a session status name.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "created":
		return ColorCreated
	case "provisioning":
		return ColorProvisioning
	case "active":
		return ColorActive
	case "awaiting_input":
		return ColorAwaiting
	case "completed":
		return ColorCompleted
	case "failed":
		return ColorFailed
	default:
		return ColorDimmed
	}
}

// EventColor returns the color for an event name.
func EventColor(event string) lipgloss.Color {
	switch event {
	case "thinking":
		return ColorThinking
	case "tool_invoked", "tool_result":
		return ColorToolUse
	case "preview_ready", "preview_restarted", "pages_indexed":
		return ColorPreview
	case "preview_unready", "session_failed", "error":
		return ColorFailed
	case "turn_complete", "session_closed":
		return ColorCompleted
	case "channel_ready", "turn_started":
		return ColorProvisioning
	default:
		return ColorDimmed
	}
}

// styles renders for one writer; colors are dropped when w is not a
// terminal.
type styles struct {
	r *lipgloss.Renderer
}

func newStyles(w io.Writer) styles {
	return styles{r: lipgloss.NewRenderer(w)}
}

func (s styles) fg(c lipgloss.Color) lipgloss.Style {
	return s.r.NewStyle().Foreground(c)
}

func (s styles) bold(c lipgloss.Color) lipgloss.Style {
	return s.fg(c).Bold(true)
}
