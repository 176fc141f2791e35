package phase

import (
	"context"
	"fmt"

	"github.com/ralph-orchestrator/ralphd/internal/events"
	"github.com/ralph-orchestrator/ralphd/internal/git"
	"github.com/ralph-orchestrator/ralphd/internal/session"
)

// WorkerInput configures one executor-phase session.
type WorkerInput struct {
	Client       session.AgentClient
	WorktreePath string

	// Prompt is the base task
	Prompt string

	// Feedback is the previous boss output, empty on the first iteration
	Feedback string

	// Model is a "providerID/modelID" pair
	Model string

	// LogPath, when set, receives the session transcript
	LogPath string

	// Title names the session on the server
	Title string

	Publisher events.Publisher
}

// WorkerResult is the outcome of a worker phase.
type WorkerResult struct {
	// Text is the worker's full transcript
	Text string

	// CommitHash is the worktree's short HEAD after the session
	CommitHash string
}

// RunWorker executes one worker pass: build the prompt, drive the
// session, and report the resulting HEAD.
func RunWorker(ctx context.Context, in WorkerInput) (*WorkerResult, error) {
	startHash, err := git.ShortHead(ctx, in.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree HEAD: %w", err)
	}
	publish(in.Publisher, events.NewEvent(events.WorkerStart).WithPayload(map[string]any{
		"commitHash": startHash,
	}))

	result, err := session.Run(ctx, session.Options{
		Client:    in.Client,
		Prompt:    workerPrompt(in.Prompt, in.Feedback),
		Title:     in.Title,
		Model:     in.Model,
		Phase:     session.PhaseExecutor,
		LogPath:   in.LogPath,
		Publisher: in.Publisher,
	})
	if err != nil {
		return nil, fmt.Errorf("worker session failed: %w", err)
	}

	// The worker commits its work, so HEAD moves during the session.
	endHash, err := git.ShortHead(ctx, in.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree HEAD: %w", err)
	}

	completePayload := map[string]any{"commitHash": endHash}
	if in.LogPath != "" {
		completePayload["logPath"] = in.LogPath
	}
	publish(in.Publisher, events.NewEvent(events.WorkerComplete).WithPayload(completePayload))

	return &WorkerResult{Text: result.Text, CommitHash: endHash}, nil
}

func publish(p events.Publisher, e events.Event) {
	if p != nil {
		p.Publish(e)
	}
}
