// Package orchestrator drives one run end to end: worktree creation,
// the worker/boss iteration loop, merge integration with conflict
// resolution, and teardown.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/ralph-orchestrator/ralphd/internal/events"
	"github.com/ralph-orchestrator/ralphd/internal/git"
	"github.com/ralph-orchestrator/ralphd/internal/phase"
	"github.com/ralph-orchestrator/ralphd/internal/session"
)

const (
	// DefaultMaxIterations caps the worker/boss loop.
	DefaultMaxIterations = 50

	// mergeRetryLimit caps conflict-resolution rounds during integration.
	mergeRetryLimit = 3
)

// Killer releases an external process. *agentserver.Handle satisfies it.
type Killer interface {
	Kill()
}

// ConnectFunc provisions the run's agent servers against its worktree.
type ConnectFunc func(ctx context.Context, worktreePath string) (Clients, error)

// Clients are the per-run agent connections and the process handles
// backing them.
type Clients struct {
	Worker session.AgentClient
	Boss   session.AgentClient

	// Handles are killed during cleanup, in order
	Handles []Killer
}

// Options configures one run.
type Options struct {
	// RunID identifies the run; its short prefix names branch and worktree
	RunID string

	// Bus carries run events; the orchestrator publishes through a
	// publisher tagged with RunID and watches for external interrupts
	Bus *events.Bus

	// Connect binds agent clients to the run's worktree once it exists.
	// The returned handles are killed during cleanup.
	Connect ConnectFunc

	// RepoPath is the mainline checkout the worktree branches from
	RepoPath string

	// WorktreesDir holds per-run worktrees
	WorktreesDir string

	// Prompt is the user's task
	Prompt string

	// WorkerModel and BossModel are "providerID/modelID" pairs
	WorkerModel string
	BossModel   string

	// LogDir, when set, receives per-phase session transcripts
	LogDir string

	// MaxIterations defaults to DefaultMaxIterations when zero
	MaxIterations int
}

// ShortRunID maps a run id to the short form used in branch and
// directory names.
func ShortRunID(runID string) string {
	id := strings.ToLower(runID)
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Run executes the full run lifecycle and always runs cleanup. It
// publishes exactly one terminal event: completed or error, or none of
// its own when the interrupt endpoint already published
// ralph.interrupted for this run. The returned error mirrors the
// ralph.error payload for the daemon's log.
func Run(ctx context.Context, opts Options) error {
	pub := events.NewTaggedPublisher(opts.Bus, opts.RunID)

	// External interrupts stop the loop before the next iteration. The
	// interrupt event itself is the run's terminal event, so the
	// orchestrator must not emit another.
	var interrupted atomic.Bool
	unsubscribe := opts.Bus.Subscribe(events.RalphInterrupted, func(e events.Event) {
		if e.RunID == opts.RunID {
			interrupted.Store(true)
		}
	})
	defer unsubscribe()

	pub.Publish(events.NewEvent(events.RalphStarted).WithPayload(map[string]any{
		"workspace":  opts.RepoPath,
		"agentModel": opts.WorkerModel,
		"evalModel":  opts.BossModel,
	}))

	branchName := git.BranchName(ShortRunID(opts.RunID))

	r := &run{opts: opts, pub: pub, branchName: branchName, interrupted: &interrupted}

	iterations, done, err := r.execute(ctx)

	// Cleanup precedes the terminal event: the terminal line must be the
	// last entry in the run's log.
	r.cleanup()

	if interrupted.Load() {
		return err
	}
	if err != nil {
		pub.Publish(events.NewEvent(events.RalphError).WithPayload(map[string]any{
			"error": err.Error(),
		}))
		return err
	}
	pub.Publish(events.NewEvent(events.RalphCompleted).WithPayload(map[string]any{
		"iterations": iterations,
		"done":       done,
	}))
	return nil
}

type run struct {
	opts        Options
	pub         *events.TaggedPublisher
	branchName  string
	interrupted *atomic.Bool

	worktreePath string
	clients      Clients
}

// execute runs worktree creation, the iteration loop, and integration.
// Panics unwind to an error so the terminal-event guarantee holds.
func (r *run) execute(ctx context.Context) (iterations int, done bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run panicked: %v", rec)
		}
	}()

	// 1. Create the isolated worktree.
	r.worktreePath, err = git.CreateWorktree(ctx, r.opts.RepoPath, r.opts.WorktreesDir, r.branchName)
	if err != nil {
		return 0, false, err
	}
	r.pub.Publish(events.NewEvent(events.WorktreeCreated).WithPayload(map[string]any{
		"branchName":   r.branchName,
		"worktreePath": r.worktreePath,
	}))

	// 2. Bring up the run's agent servers against the worktree.
	r.clients, err = r.opts.Connect(ctx, r.worktreePath)
	if err != nil {
		return 0, false, fmt.Errorf("failed to connect agent servers: %w", err)
	}

	// 3. Worker/boss loop.
	iterations, done, err = r.loop(ctx)
	if err != nil || !done {
		return iterations, done, err
	}

	// 4. Integrate into main.
	if err := r.integrate(ctx); err != nil {
		return iterations, done, err
	}
	return iterations, done, nil
}

func (r *run) loop(ctx context.Context) (int, bool, error) {
	maxIterations := r.opts.MaxIterations
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}

	feedback := ""
	for i := 1; i <= maxIterations; i++ {
		if r.interrupted.Load() {
			return i - 1, false, nil
		}

		r.pub.Publish(events.NewEvent(events.LoopIterationStart).WithPayload(map[string]any{
			"iteration": i,
		}))

		workerResult, err := phase.RunWorker(ctx, phase.WorkerInput{
			Client:       r.clients.Worker,
			WorktreePath: r.worktreePath,
			Prompt:       r.opts.Prompt,
			Feedback:     feedback,
			Model:        r.opts.WorkerModel,
			LogPath:      r.logPath("worker", i),
			Title:        fmt.Sprintf("worker iteration %d", i),
			Publisher:    r.pub,
		})
		if err != nil {
			return i, false, err
		}

		bossResult, err := phase.RunBoss(ctx, phase.BossInput{
			Client:       r.clients.Boss,
			WorktreePath: r.worktreePath,
			Prompt:       r.opts.Prompt,
			CommitHash:   workerResult.CommitHash,
			Model:        r.opts.BossModel,
			LogPath:      r.logPath("boss", i),
			Title:        fmt.Sprintf("boss iteration %d", i),
			Publisher:    r.pub,
		})
		if err != nil {
			return i, false, err
		}

		if bossResult.Done {
			r.pub.Publish(events.NewEvent(events.LoopDone))
			return i, true, nil
		}

		r.pub.Publish(events.NewEvent(events.LoopNotDone).WithPayload(map[string]any{
			"iteration": i,
			"feedback":  bossResult.Text,
		}))
		feedback = bossResult.Text
	}

	r.pub.Publish(events.NewEvent(events.LoopMaxIterations).WithPayload(map[string]any{
		"maxIterations": maxIterations,
	}))
	return maxIterations, false, nil
}

// integrate merges main into the worktree, resolving conflicts through
// the resolver sub-loop, then folds the branch back into main under the
// process-wide merge lock.
func (r *run) integrate(ctx context.Context) error {
	merge, err := git.MergeMainIntoWorktree(ctx, r.worktreePath)
	if err != nil {
		return err
	}

	retries := 0
	for !merge.Clean && retries < mergeRetryLimit {
		r.pub.Publish(events.NewEvent(events.WorktreeMergeConflict).WithPayload(map[string]any{
			"branchName": r.branchName,
			"conflicts":  merge.Conflicts,
		}))

		resolved, err := phase.RunResolver(ctx, phase.ResolverInput{
			WorkerClient: r.clients.Worker,
			BossClient:   r.clients.Boss,
			WorktreePath: r.worktreePath,
			Conflicts:    merge.Conflicts,
			WorkerModel:  r.opts.WorkerModel,
			BossModel:    r.opts.BossModel,
			LogDir:       r.opts.LogDir,
			Publisher:    r.pub,
		})
		if err != nil {
			return err
		}
		if resolved {
			merge.Clean = true
			break
		}

		git.AbortMerge(ctx, r.worktreePath)
		merge, err = git.MergeMainIntoWorktree(ctx, r.worktreePath)
		if err != nil {
			return err
		}
		retries++
	}

	if !merge.Clean {
		return fmt.Errorf("could not resolve merge conflicts after %d retries", retries)
	}

	err = git.WithMergeLock(func() error {
		return git.MergeWorktreeIntoMain(ctx, r.opts.RepoPath, r.branchName)
	})
	if err != nil {
		return err
	}

	r.pub.Publish(events.NewEvent(events.WorktreeMerged).WithPayload(map[string]any{
		"branchName": r.branchName,
	}))
	return nil
}

// cleanup kills the run's agent servers and tears down the worktree.
// Runs on every exit path, interrupts included.
func (r *run) cleanup() {
	for _, h := range r.clients.Handles {
		if h != nil {
			h.Kill()
		}
	}

	if r.worktreePath != "" {
		// Fresh context: the run's context may already be cancelled.
		git.RemoveWorktree(context.Background(), r.opts.RepoPath, r.worktreePath, r.branchName)
		r.pub.Publish(events.NewEvent(events.WorktreeRemoved).WithPayload(map[string]any{
			"branchName": r.branchName,
		}))
	}
}

func (r *run) logPath(role string, iteration int) string {
	if r.opts.LogDir == "" {
		return ""
	}
	return filepath.Join(r.opts.LogDir, fmt.Sprintf("%s-%s-%d.log", ShortRunID(r.opts.RunID), role, iteration))
}
