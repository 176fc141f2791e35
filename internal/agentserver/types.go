// Package agentserver manages the external agent-server process and
// provides a client for its HTTP + SSE API.
package agentserver

import "encoding/json"

// Stream event types pushed by the agent server.
const (
	EventPermissionAsked    = "permission.asked"
	EventMessagePartUpdated = "message.part.updated"
	EventSessionIdle        = "session.idle"
	EventSessionError       = "session.error"
)

// Part types within message.part.updated.
const (
	PartText = "text"
	PartTool = "tool"
)

// Tool state statuses.
const (
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// StreamEvent is one frame from the agent server's event stream.
// Properties is decoded lazily based on Type.
type StreamEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// PermissionAsked is the payload of a permission.asked frame.
type PermissionAsked struct {
	RequestID   string `json:"requestID"`
	SessionID   string `json:"sessionID"`
	Permission  string `json:"permission"`
	Description string `json:"description"`
}

// MessagePartUpdated is the payload of a message.part.updated frame.
type MessagePartUpdated struct {
	Part Part `json:"part"`
}

// Part is a message fragment. Text parts carry an incremental delta;
// tool parts carry the tool call's current state.
type Part struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionID"`
	Type      string     `json:"type"`
	Text      string     `json:"text,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	State     *ToolState `json:"state,omitempty"`
}

// ToolState describes a tool call's progress.
type ToolState struct {
	Status   string         `json:"status"`
	Title    string         `json:"title,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     *ToolTime      `json:"time,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolTime holds start/end instants in epoch milliseconds.
type ToolTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

// DurationSeconds returns the elapsed seconds between start and end,
// and whether both ends were recorded.
func (t *ToolTime) DurationSeconds() (float64, bool) {
	if t == nil || t.Start == 0 || t.End == 0 {
		return 0, false
	}
	return float64(t.End-t.Start) / 1000.0, true
}

// SessionIdle is the payload of a session.idle frame.
type SessionIdle struct {
	SessionID string `json:"sessionID"`
}

// SessionError is the payload of a session.error frame.
type SessionError struct {
	SessionID string `json:"sessionID"`
	Error     string `json:"error"`
}
