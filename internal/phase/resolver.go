package phase

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ralph-orchestrator/ralphd/internal/events"
	"github.com/ralph-orchestrator/ralphd/internal/git"
	"github.com/ralph-orchestrator/ralphd/internal/session"
)

// DefaultResolverIterations bounds the conflict-resolution sub-loop.
const DefaultResolverIterations = 4

// ResolverInput configures one resolver sub-loop.
type ResolverInput struct {
	WorkerClient session.AgentClient

	// BossClient judges resolution attempts. When nil, the worker
	// client performs boss duties too.
	BossClient session.AgentClient

	WorktreePath string

	// Conflicts are the paths the interrupted merge left unmerged
	Conflicts []string

	// WorkerModel and BossModel are "providerID/modelID" pairs;
	// BossModel falls back to WorkerModel when empty
	WorkerModel string
	BossModel   string

	// LogDir, when set, receives per-attempt session transcripts
	LogDir string

	// MaxIterations defaults to DefaultResolverIterations when zero
	MaxIterations int

	Publisher events.Publisher
}

// RunResolver drives the conflict-resolution sub-loop. Deterministic git
// state is the source of truth: a boss verdict of done is honored only
// when the worktree actually checks out clean. Returns true when the
// merge was fully resolved.
func RunResolver(ctx context.Context, in ResolverInput) (bool, error) {
	maxIterations := in.MaxIterations
	if maxIterations == 0 {
		maxIterations = DefaultResolverIterations
	}
	bossClient := in.BossClient
	if bossClient == nil {
		bossClient = in.WorkerClient
	}
	bossModel := in.BossModel
	if bossModel == "" {
		bossModel = in.WorkerModel
	}

	publish(in.Publisher, events.NewEvent(events.ResolverStart).WithPayload(map[string]any{
		"conflicts": in.Conflicts,
	}))

	conflicts := in.Conflicts
	feedback := ""
	resolved := false

	for attempt := 1; attempt <= maxIterations; attempt++ {
		// 1. Worker resolves.
		_, err := session.Run(ctx, session.Options{
			Client:    in.WorkerClient,
			Prompt:    resolverWorkerPrompt(conflicts, feedback),
			Title:     fmt.Sprintf("resolve conflicts (attempt %d)", attempt),
			Model:     in.WorkerModel,
			Phase:     session.PhaseResolver,
			LogPath:   in.resolverLogPath("worker", attempt),
			Publisher: in.Publisher,
		})
		if err != nil {
			return false, fmt.Errorf("resolver worker session failed: %w", err)
		}

		// 2. Deterministic check short-circuits the boss entirely.
		state, err := git.CheckClean(ctx, in.WorktreePath)
		if err != nil {
			return false, err
		}
		if state.Clean() {
			resolved = true
			break
		}

		// 3. Boss judges against the observed state.
		conflicts, err = git.ConflictedFiles(ctx, in.WorktreePath)
		if err != nil {
			return false, err
		}
		bossResult, err := session.Run(ctx, session.Options{
			Client:    bossClient,
			Prompt:    resolverBossPrompt(conflicts, state.Porcelain, !state.NoMarkers),
			Title:     fmt.Sprintf("judge conflict resolution (attempt %d)", attempt),
			Model:     bossModel,
			Phase:     session.PhaseValidator,
			LogPath:   in.resolverLogPath("boss", attempt),
			Publisher: in.Publisher,
		})
		if err != nil {
			return false, fmt.Errorf("resolver boss session failed: %w", err)
		}

		if BossDone(bossResult.Text) {
			// Trust the verdict only when git agrees.
			state, err = git.CheckClean(ctx, in.WorktreePath)
			if err != nil {
				return false, err
			}
			if state.Clean() {
				resolved = true
				break
			}
		}
		feedback = bossResult.Text
	}

	publish(in.Publisher, events.NewEvent(events.ResolverComplete))
	return resolved, nil
}

func (in ResolverInput) resolverLogPath(role string, attempt int) string {
	if in.LogDir == "" {
		return ""
	}
	return filepath.Join(in.LogDir, fmt.Sprintf("resolver-%s-%d.log", role, attempt))
}
