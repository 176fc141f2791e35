package git

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// fakeRunner scripts git responses by command prefix and records every
// invocation.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	respond map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{respond: make(map[string]fakeResponse)}
}

func (f *fakeRunner) on(command string, out string, err error) {
	f.respond[command] = fakeResponse{out: out, err: err}
}

func (f *fakeRunner) Exec(_ context.Context, _ string, args ...string) (string, error) {
	cmd := strings.Join(args, " ")

	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	for prefix, resp := range f.respond {
		if strings.HasPrefix(cmd, prefix) {
			return resp.out, resp.err
		}
	}
	return "", nil
}

func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// install swaps the runner in for one test.
func (f *fakeRunner) install(t *testing.T) {
	t.Helper()
	SetDefaultRunner(f)
	t.Cleanup(func() { SetDefaultRunner(nil) })
}

func exitErr(code int, stderr string) error {
	return &ExitError{Code: code, Stderr: stderr}
}
