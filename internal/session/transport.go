// Package session drives a single agent session against an external
// agent server and normalizes its stream into bus events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ralph-orchestrator/ralphd/internal/agentserver"
	"github.com/ralph-orchestrator/ralphd/internal/events"
)

// Phase labels the role a session plays within a run.
type Phase string

const (
	PhaseExecutor  Phase = "executor"
	PhaseValidator Phase = "validator"
	PhaseResolver  Phase = "resolver"
)

// DefaultTimeout bounds a session when the caller does not.
const DefaultTimeout = 30 * time.Minute

// ErrTimeout indicates the session exceeded its deadline.
var ErrTimeout = errors.New("session timed out")

// AgentClient is the slice of the agent-server API the transport uses.
// *agentserver.Client satisfies it; tests substitute stubs.
type AgentClient interface {
	CreateSession(ctx context.Context, title string) (string, error)
	Events(ctx context.Context) (<-chan agentserver.StreamEvent, context.CancelFunc, error)
	Prompt(ctx context.Context, sessionID, providerID, modelID, text string) error
	ReplyPermission(ctx context.Context, requestID, reply string) error
}

// Options configures one session.
type Options struct {
	Client AgentClient

	// Prompt is the text submitted to the session
	Prompt string

	// Title names the session on the server
	Title string

	// Model is a "providerID/modelID" pair
	Model string

	// Phase labels emitted events
	Phase Phase

	// LogPath, when set, receives every text and tool line
	LogPath string

	// Timeout defaults to DefaultTimeout when zero
	Timeout time.Duration

	// Publisher receives session.* events
	Publisher events.Publisher
}

// Result is the session's outcome.
type Result struct {
	// Text is the concatenated output of all text deltas
	Text string

	// SessionID identifies the session on the server
	SessionID string
}

// Run creates a session, subscribes to its stream, submits the prompt,
// and consumes events until the session goes idle, errors, or times out.
func Run(ctx context.Context, opts Options) (*Result, error) {
	providerID, modelID, err := splitModel(opts.Model)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	sessionID, err := opts.Client.CreateSession(ctx, opts.Title)
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before submitting so no early events are lost.
	stream, abort, err := opts.Client.Events(sessionCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	defer abort()

	var logFile *sessionLog
	if opts.LogPath != "" {
		logFile, err = openSessionLog(opts.LogPath)
		if err != nil {
			return nil, err
		}
		defer logFile.Close()
	}

	consumer := &consumer{
		sessionID: sessionID,
		phase:     opts.Phase,
		client:    opts.Client,
		publisher: opts.Publisher,
		log:       logFile,
		toolState: make(map[string]string),
	}

	g, gctx := errgroup.WithContext(sessionCtx)

	// Prompt submission runs concurrently with consumption; the server
	// acknowledges immediately and streams progress.
	g.Go(func() error {
		if err := opts.Client.Prompt(gctx, sessionID, providerID, modelID, opts.Prompt); err != nil {
			return fmt.Errorf("failed to submit prompt: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return consumer.run(gctx, stream)
	})

	if err := g.Wait(); err != nil {
		if sessionCtx.Err() == context.DeadlineExceeded {
			abort()
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, err
	}

	return &Result{Text: consumer.text.String(), SessionID: sessionID}, nil
}

// consumer folds the raw stream into bus events and collected text.
// The consuming goroutine is the only mutator; no locks needed.
type consumer struct {
	sessionID string
	phase     Phase
	client    AgentClient
	publisher events.Publisher
	log       *sessionLog

	text      strings.Builder
	toolState map[string]string // part id -> last seen status
}

func (c *consumer) run(ctx context.Context, stream <-chan agentserver.StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return fmt.Errorf("agent event stream closed before session %s went idle", c.sessionID)
			}
			done, err := c.handle(ctx, ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handle processes one frame. Returns done=true on session.idle.
func (c *consumer) handle(ctx context.Context, ev agentserver.StreamEvent) (bool, error) {
	switch ev.Type {
	case agentserver.EventPermissionAsked:
		var perm agentserver.PermissionAsked
		if err := decode(ev, &perm); err != nil || perm.SessionID != c.sessionID {
			return false, nil
		}
		// Fully autonomous runs: approve for this one use.
		if err := c.client.ReplyPermission(ctx, perm.RequestID, "once"); err != nil {
			return false, fmt.Errorf("failed to reply to permission request: %w", err)
		}
		c.publish(events.NewEvent(events.SessionPermission).WithPayload(map[string]any{
			"phase":       string(c.phase),
			"permission":  perm.Permission,
			"description": perm.Description,
		}))

	case agentserver.EventMessagePartUpdated:
		var upd agentserver.MessagePartUpdated
		if err := decode(ev, &upd); err != nil || upd.Part.SessionID != c.sessionID {
			return false, nil
		}
		c.handlePart(upd.Part)

	case agentserver.EventSessionIdle:
		var idle agentserver.SessionIdle
		if err := decode(ev, &idle); err != nil || idle.SessionID != c.sessionID {
			return false, nil
		}
		return true, nil

	case agentserver.EventSessionError:
		var serr agentserver.SessionError
		if err := decode(ev, &serr); err != nil || serr.SessionID != c.sessionID {
			return false, nil
		}
		return false, fmt.Errorf("session %s failed: %s", c.sessionID, serr.Error)
	}

	return false, nil
}

func (c *consumer) handlePart(part agentserver.Part) {
	switch part.Type {
	case agentserver.PartText:
		// Deltas are forwarded verbatim, never coalesced here.
		c.text.WriteString(part.Text)
		c.log.WriteText(part.Text)
		c.publish(events.NewEvent(events.SessionTextDelta).WithPayload(map[string]any{
			"phase": string(c.phase),
			"delta": part.Text,
		}))

	case agentserver.PartTool:
		if part.State == nil {
			return
		}
		// Exactly one status event per transition.
		if c.toolState[part.ID] == part.State.Status {
			return
		}
		c.toolState[part.ID] = part.State.Status

		payload := map[string]any{
			"phase":  string(c.phase),
			"tool":   part.Tool,
			"status": part.State.Status,
			"detail": toolDetail(part),
		}
		if len(part.State.Input) > 0 {
			payload["input"] = part.State.Input
		}
		if out := strings.TrimSpace(part.State.Output); out != "" {
			payload["output"] = out
		}
		if secs, ok := part.State.Time.DurationSeconds(); ok {
			payload["duration"] = secs
		}
		if len(part.State.Metadata) > 0 {
			payload["metadata"] = part.State.Metadata
		}
		c.publish(events.NewEvent(events.SessionToolStatus).WithPayload(payload))
		c.log.WriteTool(part.Tool, part.State.Status, toolDetail(part))
	}
}

func (c *consumer) publish(e events.Event) {
	if c.publisher != nil {
		c.publisher.Publish(e)
	}
}

// toolDetail picks the most descriptive line for a tool transition.
func toolDetail(part agentserver.Part) string {
	state := part.State
	if state.Error != "" {
		return state.Error
	}
	if state.Title != "" {
		return state.Title
	}
	return part.Tool
}

func decode(ev agentserver.StreamEvent, out any) error {
	return json.Unmarshal(ev.Properties, out)
}

// splitModel parses a "providerID/modelID" pair.
func splitModel(model string) (providerID, modelID string, err error) {
	providerID, modelID, ok := strings.Cut(model, "/")
	if !ok || providerID == "" || modelID == "" {
		return "", "", fmt.Errorf("invalid model %q: want providerID/modelID", model)
	}
	return providerID, modelID, nil
}
