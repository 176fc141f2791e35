package agentserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultBinary is the agent-server executable looked up on PATH.
	DefaultBinary = "agent-server"

	healthPollInterval = 500 * time.Millisecond
	healthPollAttempts = 30
)

// AcquireOptions configures Handle acquisition.
type AcquireOptions struct {
	// Prefix is the daemon state root; the pidfile lives at
	// <prefix>/run/<name>.json
	Prefix string

	// Name distinguishes pidfiles when one run owns several servers
	Name string

	// Workspace is the directory the server is bound to
	Workspace string

	// Port the server listens on
	Port int

	// Binary overrides DefaultBinary
	Binary string
}

// pidRecord is the pidfile contents.
type pidRecord struct {
	PID  int `json:"pid"`
	Port int `json:"port"`
}

// Handle owns (or borrows) one agent-server process.
type Handle struct {
	client  *Client
	pidPath string

	mu     sync.Mutex
	proc   *os.Process // nil when reusing an inherited process
	pid    int
	killed bool
}

// Client returns the HTTP client bound to this server.
func (h *Handle) Client() *Client {
	return h.client
}

// Acquire returns a handle to a healthy agent server. An existing
// process recorded in the pidfile is reused when it is alive and
// answers its health endpoint within 2 seconds; anything stale is
// killed and replaced by a freshly spawned process.
func Acquire(ctx context.Context, opts AcquireOptions) (*Handle, error) {
	runDir := filepath.Join(opts.Prefix, "run")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	pidPath := filepath.Join(runDir, opts.Name+".json")

	if rec, ok := readPidfile(pidPath); ok {
		client := NewClient(rec.Port)
		if processAlive(rec.PID) && client.healthOK(ctx) {
			return &Handle{client: client, pidPath: pidPath, pid: rec.PID}, nil
		}
		if processAlive(rec.PID) {
			_ = syscall.Kill(rec.PID, syscall.SIGKILL)
		}
		_ = os.Remove(pidPath)
	}

	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	cmd := exec.Command(binary,
		"--port", fmt.Sprintf("%d", opts.Port),
		"--workspace", opts.Workspace,
	)
	cmd.Dir = opts.Workspace
	// Own process group so daemon signals do not propagate to the child
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent server: %w", err)
	}

	client := NewClient(opts.Port)
	if err := waitHealthy(ctx, client); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	// Reap the child in the background so it never zombies
	go func() { _ = cmd.Wait() }()

	if err := writePidfile(pidPath, pidRecord{PID: cmd.Process.Pid, Port: opts.Port}); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	return &Handle{
		client:  client,
		pidPath: pidPath,
		proc:    cmd.Process,
		pid:     cmd.Process.Pid,
	}, nil
}

// Kill terminates the server process and removes the pidfile.
// Idempotent; safe to call from cleanup paths.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.killed {
		return
	}
	h.killed = true

	if h.proc != nil {
		_ = h.proc.Kill()
	} else if h.pid > 0 {
		_ = syscall.Kill(h.pid, syscall.SIGKILL)
	}
	_ = os.Remove(h.pidPath)
}

// waitHealthy polls the health endpoint until the server answers or the
// attempt budget runs out.
func waitHealthy(ctx context.Context, client *Client) error {
	for attempt := 0; attempt < healthPollAttempts; attempt++ {
		if client.healthOK(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrUnhealthy, healthPollAttempts)
}

func readPidfile(path string) (pidRecord, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pidRecord{}, false
	}
	var rec pidRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.PID <= 0 || rec.Port <= 0 {
		return pidRecord{}, false
	}
	return rec, true
}

func writePidfile(path string, rec pidRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// processAlive checks liveness with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
