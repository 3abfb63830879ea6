// Package producer is the boundary to whatever turns a chat message into
// files in a workspace. The session manager only sees progress callbacks
// and a final result.
package producer

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUpstream marks a turn the producer itself reported as failed.
var ErrUpstream = errors.New("producer: upstream error")

type Turn struct {
	SessionID string
	// Number counts turns within the session, starting at 1.
	Number    int
	Prompt    string
	Workspace string
	// ResumeID is the producer's own conversation id from the previous
	// turn, empty on the first turn.
	ResumeID string
}

type ProgressKind string

const (
	ProgressText       ProgressKind = "text"
	ProgressThinking   ProgressKind = "thinking"
	ProgressToolUse    ProgressKind = "tool_use"
	ProgressToolResult ProgressKind = "tool_result"
)

// Progress is one incremental report from a running turn.
type Progress struct {
	Kind      ProgressKind
	Text      string
	ToolName  string
	ToolInput json.RawMessage
	ToolUseID string
	IsError   bool
}

type Result struct {
	ExternalID string
	DurationMs int64
	NumTurns   int
	CostUSD    float64
}

// Producer runs one turn in a workspace. emit is called from the calling
// goroutine, in order.
type Producer interface {
	Run(ctx context.Context, turn Turn, emit func(Progress)) (Result, error)
}
