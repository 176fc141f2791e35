package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes git commands.
type Runner interface {
	Exec(ctx context.Context, dir string, args ...string) (string, error)
}

// ExitError marks a git command that ran but returned non-zero.
// Callers that treat non-zero exit as a state signal (merge conflicts,
// grep misses) unwrap to it via errors.As.
type ExitError struct {
	Args   []string
	Code   int
	Stderr string
	Stdout string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("git %s exited %d: %s", strings.Join(e.Args, " "), e.Code, strings.TrimSpace(e.Stderr))
}

// osRunner executes real git commands via exec.CommandContext.
type osRunner struct{}

func (osRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return stdout.String(), &ExitError{
				Args:   args,
				Code:   exitErr.ExitCode(),
				Stderr: stderr.String(),
				Stdout: stdout.String(),
			}
		}
		return "", fmt.Errorf("git %s failed: %w\nstderr: %s",
			strings.Join(args, " "), err, stderr.String())
	}

	return stdout.String(), nil
}

var (
	defaultRunner Runner = osRunner{}
	runnerMu      sync.RWMutex
)

// DefaultRunner returns the current default runner.
func DefaultRunner() Runner {
	runnerMu.RLock()
	defer runnerMu.RUnlock()
	return defaultRunner
}

// SetDefaultRunner replaces the default runner. Intended for tests.
func SetDefaultRunner(runner Runner) {
	runnerMu.Lock()
	defer runnerMu.Unlock()
	if runner == nil {
		defaultRunner = osRunner{}
		return
	}
	defaultRunner = runner
}

// gitExec executes a git command in the specified directory and returns stdout.
func gitExec(ctx context.Context, dir string, args ...string) (string, error) {
	runnerMu.RLock()
	runner := defaultRunner
	runnerMu.RUnlock()
	return runner.Exec(ctx, dir, args...)
}
