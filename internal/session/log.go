package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// sessionLog appends a plain-text transcript of the session to disk.
// Every write is flushed immediately so tailing the file during a run
// shows live progress. A nil *sessionLog is a no-op sink.
type sessionLog struct {
	f *os.File
}

func openSessionLog(path string) (*sessionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	return &sessionLog{f: f}, nil
}

// WriteText appends a raw text chunk.
func (l *sessionLog) WriteText(text string) {
	if l == nil || text == "" {
		return
	}
	_, _ = l.f.WriteString(text)
	_ = l.f.Sync()
}

// WriteTool appends a tool transition line.
func (l *sessionLog) WriteTool(tool, status, detail string) {
	if l == nil {
		return
	}
	ts := time.Now().Format("15:04:05")
	_, _ = fmt.Fprintf(l.f, "\n[%s] tool %s %s: %s\n", ts, tool, status, detail)
	_ = l.f.Sync()
}

func (l *sessionLog) Close() error {
	if l == nil {
		return nil
	}
	return l.f.Close()
}
