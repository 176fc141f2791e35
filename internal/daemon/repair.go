package daemon

import (
	"context"
	"fmt"
	"log"

	"github.com/ralph-orchestrator/ralphd/internal/git"
)

// RepairState reconciles on-disk state after an unclean previous exit:
// jobs left "running" by a dead process become "interrupted", and stale
// worktrees under the prefix are swept away with their branches.
func RepairState(ctx context.Context, cfg *Config, jobs *JobStore) error {
	all, err := jobs.List()
	if err != nil {
		return fmt.Errorf("failed to list jobs for repair: %w", err)
	}
	for _, job := range all {
		if job.Status != JobRunning {
			continue
		}
		if _, err := jobs.Update(job.ID, func(j *Job) { j.Status = JobInterrupted }); err != nil {
			return fmt.Errorf("failed to repair job %s: %w", job.ID, err)
		}
		log.Printf("INFO: repaired job %s: running -> interrupted", job.ID)
	}

	if err := git.PruneStaleWorktrees(ctx, cfg.Workspace, cfg.WorktreesDir()); err != nil {
		// CreateWorktree clears leftovers per-run, so startup continues
		log.Printf("WARN: worktree prune sweep failed: %v", err)
	}
	return nil
}
