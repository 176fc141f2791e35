package events

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// LogConfig configures the logging handler
type LogConfig struct {
	// Writer is where logs are written (default: os.Stderr)
	Writer io.Writer

	// Color forces colored output; when nil, color is enabled only
	// when Writer is a terminal
	Color *bool
}

var (
	terminalTag = color.New(color.FgRed, color.Bold)
	sessionTag  = color.New(color.FgCyan)
	loopTag     = color.New(color.FgYellow)
	defaultTag  = color.New(color.FgGreen)
)

// LogHandler returns a handler that renders each event as a single
// human-readable line: [event.type] runId key=value ...
func LogHandler(cfg LogConfig) Handler {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	useColor := isTerminal(w)
	if cfg.Color != nil {
		useColor = *cfg.Color
	}

	return func(e Event) {
		tag := tagColor(e.Type)
		var buf strings.Builder
		if useColor {
			buf.WriteString(tag.Sprintf("[%s]", e.Type))
		} else {
			fmt.Fprintf(&buf, "[%s]", e.Type)
		}
		if e.RunID != "" {
			buf.WriteString(" ")
			buf.WriteString(e.RunID)
		}
		for k, v := range e.Payload {
			if k == "delta" || k == "feedback" || k == "output" || k == "input" {
				continue
			}
			fmt.Fprintf(&buf, " %s=%v", k, v)
		}
		buf.WriteString("\n")
		fmt.Fprint(w, buf.String())
	}
}

func tagColor(t EventType) *color.Color {
	s := string(t)
	switch {
	case t == RalphError || t == RalphInterrupted:
		return terminalTag
	case strings.HasPrefix(s, "session."):
		return sessionTag
	case strings.HasPrefix(s, "loop."):
		return loopTag
	default:
		return defaultTag
	}
}

// isTerminal reports whether w is backed by a TTY.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
