package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MergeOutcome reports the result of merging main into a worktree.
type MergeOutcome struct {
	// Clean is true when the merge completed without conflicts
	Clean bool

	// Conflicts lists conflicted paths when Clean is false
	Conflicts []string
}

// MergeMainIntoWorktree runs `git merge main --no-edit` in the worktree.
// A conflicting merge is not an error; the conflicted paths are returned
// for the resolver to work through.
func MergeMainIntoWorktree(ctx context.Context, worktreePath string) (MergeOutcome, error) {
	_, err := gitExec(ctx, worktreePath, "merge", "main", "--no-edit")
	if err == nil {
		return MergeOutcome{Clean: true}, nil
	}
	if !isExit(err) {
		return MergeOutcome{}, fmt.Errorf("merge main failed: %w", err)
	}

	conflicts, listErr := ConflictedFiles(ctx, worktreePath)
	if listErr != nil {
		return MergeOutcome{}, fmt.Errorf("failed to list conflicts: %w", listErr)
	}
	return MergeOutcome{Clean: false, Conflicts: conflicts}, nil
}

// MergeWorktreeIntoMain merges the run branch into main from the
// mainline checkout. Callers serialize this behind the merge lock.
func MergeWorktreeIntoMain(ctx context.Context, repoPath, branchName string) error {
	if _, err := gitExec(ctx, repoPath, "merge", branchName, "--no-edit"); err != nil {
		return fmt.Errorf("failed to merge %s into main: %w", branchName, err)
	}
	return nil
}

// AbortMerge aborts an in-progress merge. The exit code is ignored:
// the command legitimately fails when no merge is in progress.
func AbortMerge(ctx context.Context, worktreePath string) {
	_, _ = gitExec(ctx, worktreePath, "merge", "--abort")
}

// ConflictedFiles returns the paths currently in conflict.
func ConflictedFiles(ctx context.Context, worktreePath string) ([]string, error) {
	out, err := gitExec(ctx, worktreePath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// conflictMarkerPattern matches the three git conflict marker forms at
// the start of a line.
const conflictMarkerPattern = `^(<<<<<<<|=======|>>>>>>>)`

// CleanState captures the three deterministic checks the resolver trusts
// over any agent's claim of success.
type CleanState struct {
	MergeHeadAbsent bool
	StatusEmpty     bool
	NoMarkers       bool

	// Porcelain is the raw `git status --porcelain` output, kept for
	// resolver prompts
	Porcelain string
}

// Clean is true only when all three checks hold.
func (s CleanState) Clean() bool {
	return s.MergeHeadAbsent && s.StatusEmpty && s.NoMarkers
}

// CheckClean evaluates the worktree's merge state: MERGE_HEAD absent,
// empty porcelain status, and no conflict markers found by git grep.
func CheckClean(ctx context.Context, worktreePath string) (CleanState, error) {
	var state CleanState

	inProgress, err := mergeInProgress(worktreePath)
	if err != nil {
		return state, err
	}
	state.MergeHeadAbsent = !inProgress

	out, err := gitExec(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return state, fmt.Errorf("failed to read status: %w", err)
	}
	state.Porcelain = strings.TrimSpace(out)
	state.StatusEmpty = state.Porcelain == ""

	// git grep exits 1 on no matches, which is the clean case; any
	// other non-zero exit (128 on a broken repo) is a real failure
	_, err = gitExec(ctx, worktreePath, "grep", "-E", "-l", conflictMarkerPattern)
	switch {
	case err == nil:
		state.NoMarkers = false
	case exitCode(err) == 1:
		state.NoMarkers = true
	default:
		return state, fmt.Errorf("failed to scan for conflict markers: %w", err)
	}

	return state, nil
}

// mergeInProgress checks for MERGE_HEAD, following the gitdir pointer
// that worktrees use in place of a .git directory.
func mergeInProgress(worktreePath string) (bool, error) {
	gitDir := filepath.Join(worktreePath, ".git")

	content, err := os.ReadFile(gitDir)
	if err == nil && strings.HasPrefix(string(content), "gitdir:") {
		gitDir = strings.TrimSpace(strings.TrimPrefix(string(content), "gitdir:"))
	}

	if _, err := os.Stat(filepath.Join(gitDir, "MERGE_HEAD")); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	return false, nil
}
