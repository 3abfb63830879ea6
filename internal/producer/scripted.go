package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Scripted is a deterministic stand-in producer for demos and tests. It
// streams a canned reply, "writes" a landing page through a Write tool call
// and finishes with a one-turn result. A prompt containing FailMarker fails
// the turn midway with ErrUpstream.
type Scripted struct {
	// Delay between progress reports.
	Delay      time.Duration
	FailMarker string
}

const defaultFailMarker = "[fail]"

func (s *Scripted) Run(ctx context.Context, turn Turn, emit func(Progress)) (Result, error) {
	start := time.Now()
	subject := subjectOf(turn.Prompt)

	steps := []Progress{
		{Kind: ProgressThinking, Text: "Planning the layout for " + subject + "."},
		{Kind: ProgressText, Text: "I'll build "},
		{Kind: ProgressText, Text: subject},
		{Kind: ProgressText, Text: " as a single responsive page."},
	}
	for _, p := range steps {
		if err := s.pause(ctx); err != nil {
			return Result{}, err
		}
		emit(p)
	}

	marker := s.FailMarker
	if marker == "" {
		marker = defaultFailMarker
	}
	if strings.Contains(turn.Prompt, marker) {
		return Result{}, fmt.Errorf("%w: scripted failure requested", ErrUpstream)
	}

	name := "index.html"
	if turn.Number > 1 {
		name = fmt.Sprintf("turn-%d.html", turn.Number)
	}
	toolID := fmt.Sprintf("toolu_%s_%d", turn.SessionID, turn.Number)
	input, _ := json.Marshal(map[string]string{"file_path": name})
	emit(Progress{Kind: ProgressToolUse, ToolName: "Write", ToolInput: input, ToolUseID: toolID})

	if err := s.pause(ctx); err != nil {
		return Result{}, err
	}
	path := filepath.Join(turn.Workspace, name)
	if err := os.WriteFile(path, []byte(renderPage(subject)), 0o644); err != nil {
		emit(Progress{Kind: ProgressToolResult, ToolUseID: toolID, Text: err.Error(), IsError: true})
		return Result{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	emit(Progress{Kind: ProgressToolResult, ToolUseID: toolID, Text: "File created successfully at: " + name})
	emit(Progress{Kind: ProgressText, Text: " Done."})

	return Result{
		ExternalID: "scripted-" + turn.SessionID,
		DurationMs: time.Since(start).Milliseconds(),
		NumTurns:   1,
	}, nil
}

func (s *Scripted) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil || s.Delay <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.Delay):
		return nil
	}
}

// subjectOf pulls the user's request back out of a templated prompt.
func subjectOf(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	line = strings.TrimSuffix(strings.TrimSpace(line), ".")
	if rest, ok := strings.CutPrefix(line, "Build a "); ok {
		line = rest
	}
	if line == "" {
		return "a page"
	}
	return line
}

func renderPage(subject string) string {
	title := html.EscapeString(subject)
	return `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>` + title + `</title>
<style>body{font-family:system-ui,sans-serif;margin:0}section{padding:4rem 2rem}</style>
</head>
<body>
<header id="top"><nav id="nav">Home · Features · Contact</nav></header>
<main>
<section id="hero"><h1>` + title + `</h1><p>Built for you.</p></section>
<section id="features"><h2>Features</h2><p>Fast, responsive, clean.</p></section>
<section id="contact"><h2>Contact</h2><p>hello@example.com</p></section>
</main>
<footer id="footer">Made with care.</footer>
</body>
</html>
`
}
