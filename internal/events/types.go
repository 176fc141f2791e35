package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is a string constant identifying the event category
type EventType string

// Run lifecycle events. Every run publishes exactly one of the three
// terminal types (completed, error, interrupted) as its last event.
const (
	RalphStarted     EventType = "ralph.started"
	RalphCompleted   EventType = "ralph.completed"
	RalphError       EventType = "ralph.error"
	RalphInterrupted EventType = "ralph.interrupted"
)

// Iteration loop events
const (
	LoopIterationStart EventType = "loop.iteration.start"
	LoopDone           EventType = "loop.done"
	LoopNotDone        EventType = "loop.not_done"
	LoopMaxIterations  EventType = "loop.max_iterations"
)

// Phase events
const (
	WorkerStart      EventType = "worker.start"
	WorkerComplete   EventType = "worker.complete"
	BossStart        EventType = "boss.start"
	BossComplete     EventType = "boss.complete"
	ResolverStart    EventType = "resolver.start"
	ResolverComplete EventType = "resolver.complete"
)

// Session stream events
const (
	SessionTextDelta  EventType = "session.text.delta"
	SessionToolStatus EventType = "session.tool.status"
	SessionPermission EventType = "session.permission"
)

// Agent server lifecycle events
const (
	ServerReady   EventType = "server.ready"
	ServerCleanup EventType = "server.cleanup"
)

// Worktree events
const (
	WorktreeCreated       EventType = "worktree.created"
	WorktreeMerged        EventType = "worktree.merged"
	WorktreeMergeConflict EventType = "worktree.merge_conflict"
	WorktreeRemoved       EventType = "worktree.removed"
)

// Interrupt reasons accepted by the interrupt endpoint
const (
	ReasonUserStop = "user_stop"
	ReasonUserQuit = "user_quit"
)

// Event represents a single occurrence in the run lifecycle.
// Payload fields are flattened into the top-level JSON object alongside
// type, timestamp, and runId, matching the events.jsonl wire format.
type Event struct {
	// Type identifies what happened
	Type EventType

	// Timestamp is when the event occurred, in epoch milliseconds
	Timestamp int64

	// RunID scopes the event to a run (empty for broadcast-only events)
	RunID string

	// Payload contains event-specific data (shape varies by type)
	Payload map[string]any
}

// reserved field names that never appear as payload keys on the wire
const (
	fieldType      = "type"
	fieldTimestamp = "timestamp"
	fieldRunID     = "runId"
)

// NewEvent creates an event with the given type, stamped with the current time.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithRun returns a copy of the event scoped to the given run id.
func (e Event) WithRun(runID string) Event {
	e.RunID = runID
	return e
}

// WithPayload returns a copy of the event with the payload set.
func (e Event) WithPayload(payload map[string]any) Event {
	e.Payload = payload
	return e
}

// IsTerminal returns true if this event type ends a run.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case RalphCompleted, RalphError, RalphInterrupted:
		return true
	}
	return false
}

// String returns a human-readable representation of the event.
// Large payload fields (deltas, feedback) are elided.
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))
	if e.RunID != "" {
		parts = append(parts, e.RunID)
	}
	for k, v := range e.Payload {
		if k == "delta" || k == "feedback" || k == "output" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// MarshalJSON flattens the payload into the top-level object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		if k == fieldType || k == fieldTimestamp || k == fieldRunID {
			continue
		}
		out[k] = v
	}
	out[fieldType] = string(e.Type)
	out[fieldTimestamp] = e.Timestamp
	if e.RunID != "" {
		out[fieldRunID] = e.RunID
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the reserved fields back out of the flat object.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if t, ok := raw[fieldType].(string); ok {
		e.Type = EventType(t)
	}
	if ts, ok := raw[fieldTimestamp].(float64); ok {
		e.Timestamp = int64(ts)
	}
	if id, ok := raw[fieldRunID].(string); ok {
		e.RunID = id
	}

	delete(raw, fieldType)
	delete(raw, fieldTimestamp)
	delete(raw, fieldRunID)
	if len(raw) > 0 {
		e.Payload = raw
	} else {
		e.Payload = nil
	}
	return nil
}
