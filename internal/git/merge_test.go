package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeMainIntoWorktree_Clean(t *testing.T) {
	runner := newFakeRunner()
	runner.install(t)

	outcome, err := MergeMainIntoWorktree(context.Background(), "/wt")
	require.NoError(t, err)
	assert.True(t, outcome.Clean)
	assert.Empty(t, outcome.Conflicts)
}

func TestMergeMainIntoWorktree_ConflictsAreNotErrors(t *testing.T) {
	runner := newFakeRunner()
	runner.on("merge main --no-edit", "", exitErr(1, "CONFLICT (content)"))
	runner.on("diff --name-only --diff-filter=U", "a.go\nb/c.go\n", nil)
	runner.install(t)

	outcome, err := MergeMainIntoWorktree(context.Background(), "/wt")
	require.NoError(t, err)
	assert.False(t, outcome.Clean)
	assert.Equal(t, []string{"a.go", "b/c.go"}, outcome.Conflicts)
}

func TestMergeWorktreeIntoMain_Failure(t *testing.T) {
	runner := newFakeRunner()
	runner.on("merge task/abc --no-edit", "", exitErr(1, "conflict"))
	runner.install(t)

	err := MergeWorktreeIntoMain(context.Background(), "/repo", "task/abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task/abc")
}

func TestAbortMerge_IgnoresExitCode(t *testing.T) {
	runner := newFakeRunner()
	runner.on("merge --abort", "", exitErr(128, "no merge to abort"))
	runner.install(t)

	assert.NotPanics(t, func() { AbortMerge(context.Background(), "/wt") })
}

func TestCheckClean_AllChecksPass(t *testing.T) {
	wt := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(wt, ".git"), 0o755))

	runner := newFakeRunner()
	runner.on("status --porcelain", "", nil)
	// git grep exits 1 when no conflict markers match
	runner.on("grep -E -l", "", exitErr(1, ""))
	runner.install(t)

	state, err := CheckClean(context.Background(), wt)
	require.NoError(t, err)
	assert.True(t, state.MergeHeadAbsent)
	assert.True(t, state.StatusEmpty)
	assert.True(t, state.NoMarkers)
	assert.True(t, state.Clean())
}

func TestCheckClean_FatalGrepExitIsAnError(t *testing.T) {
	wt := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(wt, ".git"), 0o755))

	runner := newFakeRunner()
	runner.on("status --porcelain", "", nil)
	// only exit 1 means "no matches"; 128 is a broken repo, not a clean one
	runner.on("grep -E -l", "", exitErr(128, "fatal: not a git repository"))
	runner.install(t)

	_, err := CheckClean(context.Background(), wt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflict markers")
}

func TestCheckClean_MergeHeadPresent(t *testing.T) {
	wt := t.TempDir()
	gitDir := filepath.Join(wt, ".git")
	require.NoError(t, os.MkdirAll(gitDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(gitDir, "MERGE_HEAD"), []byte("deadbeef\n"), 0o644))

	runner := newFakeRunner()
	runner.on("status --porcelain", "", nil)
	runner.on("grep -E -l", "", exitErr(1, ""))
	runner.install(t)

	state, err := CheckClean(context.Background(), wt)
	require.NoError(t, err)
	assert.False(t, state.MergeHeadAbsent)
	assert.False(t, state.Clean())
}

func TestCheckClean_FollowsGitdirPointer(t *testing.T) {
	// Worktrees carry a .git *file* pointing at the real git dir
	realGitDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(realGitDir, "MERGE_HEAD"), []byte("deadbeef\n"), 0o644))

	wt := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: "+realGitDir+"\n"), 0o644))

	runner := newFakeRunner()
	runner.on("status --porcelain", "", nil)
	runner.on("grep -E -l", "", exitErr(1, ""))
	runner.install(t)

	state, err := CheckClean(context.Background(), wt)
	require.NoError(t, err)
	assert.False(t, state.MergeHeadAbsent)
}

func TestCheckClean_DirtyStatusAndMarkers(t *testing.T) {
	wt := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(wt, ".git"), 0o755))

	runner := newFakeRunner()
	runner.on("status --porcelain", "UU a.go\n", nil)
	runner.on("grep -E -l", "a.go\n", nil)
	runner.install(t)

	state, err := CheckClean(context.Background(), wt)
	require.NoError(t, err)
	assert.False(t, state.StatusEmpty)
	assert.Equal(t, "UU a.go", state.Porcelain)
	assert.False(t, state.NoMarkers)
	assert.False(t, state.Clean())
}

func TestConflictedFiles_Empty(t *testing.T) {
	runner := newFakeRunner()
	runner.install(t)

	files, err := ConflictedFiles(context.Background(), "/wt")
	require.NoError(t, err)
	assert.Nil(t, files)
}
