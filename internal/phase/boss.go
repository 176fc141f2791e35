package phase

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralph-orchestrator/ralphd/internal/events"
	"github.com/ralph-orchestrator/ralphd/internal/session"
)

// doneVerdict is the literal the boss must emit to pass the work.
const doneVerdict = "VERDICT: DONE"

// BossDone reports whether a boss transcript declares the work done.
// Only the exact substring counts: "VERDICT: NOT DONE" does not contain
// it, and a bare "DONE" is ignored.
func BossDone(text string) bool {
	return strings.Contains(text, doneVerdict)
}

// BossInput configures one validator-phase session.
type BossInput struct {
	Client       session.AgentClient
	WorktreePath string

	// Prompt is the base task the boss grades against
	Prompt string

	// CommitHash is the worker's HEAD under review
	CommitHash string

	// Model is a "providerID/modelID" pair
	Model string

	// LogPath, when set, receives the session transcript
	LogPath string

	// Title names the session on the server
	Title string

	Publisher events.Publisher
}

// BossResult is the outcome of a boss phase.
type BossResult struct {
	// Done is the parsed verdict
	Done bool

	// Text is the boss's full transcript, used as worker feedback when
	// Done is false
	Text string
}

// RunBoss grades the worker's output and parses the verdict line.
func RunBoss(ctx context.Context, in BossInput) (*BossResult, error) {
	publish(in.Publisher, events.NewEvent(events.BossStart).WithPayload(map[string]any{
		"commitHash": in.CommitHash,
	}))

	result, err := session.Run(ctx, session.Options{
		Client:    in.Client,
		Prompt:    bossPrompt(in.Prompt),
		Title:     in.Title,
		Model:     in.Model,
		Phase:     session.PhaseValidator,
		LogPath:   in.LogPath,
		Publisher: in.Publisher,
	})
	if err != nil {
		return nil, fmt.Errorf("boss session failed: %w", err)
	}

	done := BossDone(result.Text)
	completePayload := map[string]any{
		"commitHash": in.CommitHash,
		"done":       done,
	}
	if in.LogPath != "" {
		completePayload["logPath"] = in.LogPath
	}
	publish(in.Publisher, events.NewEvent(events.BossComplete).WithPayload(completePayload))

	return &BossResult{Done: done, Text: result.Text}, nil
}
