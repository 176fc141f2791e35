package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BranchPrefix is the namespace for run branches.
const BranchPrefix = "task/"

// BranchName derives the run branch from a run id's short prefix.
func BranchName(shortID string) string {
	return BranchPrefix + shortID
}

// WorktreeDirName maps a branch to its directory name: branch task/ABC
// lives in <worktrees>/task-ABC. The mapping is a bijection.
func WorktreeDirName(branchName string) string {
	return strings.ReplaceAll(branchName, "/", "-")
}

// CreateWorktree creates a fresh worktree on a new branch.
// A leftover branch from a crashed prior process is pruned and
// force-deleted before the add.
func CreateWorktree(ctx context.Context, repoPath, worktreesDir, branchName string) (string, error) {
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktrees directory: %w", err)
	}

	if branchExists(ctx, repoPath, branchName) {
		_, _ = gitExec(ctx, repoPath, "worktree", "prune")
		_, _ = gitExec(ctx, repoPath, "branch", "-D", branchName)
	}

	worktreePath := filepath.Join(worktreesDir, WorktreeDirName(branchName))
	if _, err := gitExec(ctx, repoPath, "worktree", "add", worktreePath, "-b", branchName); err != nil {
		return "", fmt.Errorf("failed to create worktree %s: %w", worktreePath, err)
	}

	return worktreePath, nil
}

// RemoveResult reports the outcome of a worktree teardown.
type RemoveResult struct {
	WorktreeRemoved bool
	BranchDeleted   bool
}

// RemoveWorktree force-removes the worktree directory and force-deletes
// its branch. Both outcomes are reported; neither failure is an error,
// cleanup is best effort.
func RemoveWorktree(ctx context.Context, repoPath, worktreePath, branchName string) RemoveResult {
	var res RemoveResult

	if _, err := gitExec(ctx, repoPath, "worktree", "remove", worktreePath, "--force"); err == nil {
		res.WorktreeRemoved = true
	} else if err := os.RemoveAll(worktreePath); err == nil {
		res.WorktreeRemoved = true
		_, _ = gitExec(ctx, repoPath, "worktree", "prune")
	}

	if _, err := gitExec(ctx, repoPath, "branch", "-D", branchName); err == nil {
		res.BranchDeleted = true
	}

	return res
}

// PruneStaleWorktrees removes every worktree under worktreesDir together
// with its branch. Startup-only sweep restoring the directory/branch
// bijection after a crash.
func PruneStaleWorktrees(ctx context.Context, repoPath, worktreesDir string) error {
	output, err := gitExec(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to list worktrees: %w", err)
	}

	resolvedBase, err := filepath.EvalSymlinks(worktreesDir)
	if err != nil {
		resolvedBase = worktreesDir
	}

	for _, wt := range parseWorktreeList(output) {
		resolvedPath, err := filepath.EvalSymlinks(wt.Path)
		if err != nil {
			resolvedPath = wt.Path
		}
		if !strings.HasPrefix(resolvedPath, resolvedBase+string(filepath.Separator)) {
			continue
		}
		RemoveWorktree(ctx, repoPath, wt.Path, wt.Branch)
	}

	return nil
}

// ShortHead returns the abbreviated commit hash of HEAD in dir.
func ShortHead(ctx context.Context, dir string) (string, error) {
	out, err := gitExec(ctx, dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

type worktreeEntry struct {
	Path   string
	Branch string
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(output string) []worktreeEntry {
	var entries []worktreeEntry
	var current worktreeEntry

	flush := func() {
		if current.Path != "" {
			entries = append(entries, current)
		}
		current = worktreeEntry{}
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			current.Path = path
		} else if ref, ok := strings.CutPrefix(line, "branch "); ok {
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()

	return entries
}

func branchExists(ctx context.Context, repoPath, branchName string) bool {
	_, err := gitExec(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branchName)
	return err == nil
}

// isExit reports whether err is a non-zero git exit.
func isExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// exitCode returns the git exit code carried by err, or -1 when err is
// not a non-zero git exit.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}
