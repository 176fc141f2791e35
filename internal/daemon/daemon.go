package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ralph-orchestrator/ralphd/internal/agentserver"
	"github.com/ralph-orchestrator/ralphd/internal/events"
	"github.com/ralph-orchestrator/ralphd/internal/orchestrator"
)

// stopTimeout bounds the graceful HTTP shutdown.
const stopTimeout = 5 * time.Second

// Daemon owns the long-lived pieces of the ralphd process.
type Daemon struct {
	cfg        *Config
	bus        *events.Bus
	jobs       *JobStore
	persister  *Persister
	caffinator *Caffinator
	service    *Service

	stopOnce sync.Once
	stopped  chan struct{}

	mu       sync.Mutex
	nextPair int
	children map[*agentserver.Handle]struct{}
}

// New validates the config, prepares the state tree, and wires the
// daemon's components.
func New(cfg *Config) (*Daemon, error) {
	if err := LoadConfigFile(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		bus:      events.NewBus(),
		jobs:     NewJobStore(cfg.JobsDir()),
		stopped:  make(chan struct{}),
		children: make(map[*agentserver.Handle]struct{}),
	}
	d.persister = NewPersister(cfg.RunsDir(), d.jobs)
	d.persister.Attach(d.bus)
	d.bus.SubscribeAll(events.LogHandler(events.LogConfig{}))

	d.caffinator = NewCaffinator(d.requestStop)
	d.service = NewService(ServiceConfig{
		Bus:        d.bus,
		Jobs:       d.jobs,
		Persister:  d.persister,
		Caffinator: d.caffinator,
		OnPrompt:   d.runPrompt,
		OnShutdown: d.requestStop,
	})

	return d, nil
}

// Run repairs leftover state, serves HTTP, and blocks until SIGTERM,
// SIGINT, /shutdown, or a caffinate drain. Always kills surviving
// agent-server children before returning.
func (d *Daemon) Run(ctx context.Context) error {
	if err := RepairState(ctx, d.cfg, d.jobs); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.service.Start(d.cfg.Port) }()

	defer d.killChildren()

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigs:
		log.Printf("INFO: received %s, shutting down", sig)
	case <-ctx.Done():
	case <-d.stopped:
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return d.service.Stop(stopCtx)
}

// requestStop unblocks Run. Safe to call more than once.
func (d *Daemon) requestStop() {
	d.stopOnce.Do(func() { close(d.stopped) })
}

// runPrompt executes one run to completion. Invoked by the service on
// its own goroutine per accepted /prompt.
func (d *Daemon) runPrompt(runID, prompt string) {
	err := orchestrator.Run(context.Background(), orchestrator.Options{
		RunID:        runID,
		Bus:          d.bus,
		Connect:      d.connect(runID),
		RepoPath:     d.cfg.Workspace,
		WorktreesDir: d.cfg.WorktreesDir(),
		Prompt:       prompt,
		WorkerModel:  d.cfg.WorkerModel,
		BossModel:    d.cfg.BossModel,
		LogDir:       d.cfg.LogsDir(),
	})
	if err != nil {
		log.Printf("ERROR: run %s failed: %v", runID, err)
	}
}

// connect returns the per-run provisioning callback: two agent servers
// bound to the worktree, each behind its own pidfile.
func (d *Daemon) connect(runID string) orchestrator.ConnectFunc {
	return func(ctx context.Context, worktreePath string) (orchestrator.Clients, error) {
		shortID := orchestrator.ShortRunID(runID)
		workerPort, bossPort := d.allocatePorts()

		worker, err := agentserver.Acquire(ctx, agentserver.AcquireOptions{
			Prefix:    d.cfg.Prefix,
			Name:      "worker-" + shortID,
			Workspace: worktreePath,
			Port:      workerPort,
			Binary:    d.cfg.AgentBinary,
		})
		if err != nil {
			return orchestrator.Clients{}, fmt.Errorf("failed to acquire worker server: %w", err)
		}

		boss, err := agentserver.Acquire(ctx, agentserver.AcquireOptions{
			Prefix:    d.cfg.Prefix,
			Name:      "boss-" + shortID,
			Workspace: worktreePath,
			Port:      bossPort,
			Binary:    d.cfg.AgentBinary,
		})
		if err != nil {
			worker.Kill()
			return orchestrator.Clients{}, fmt.Errorf("failed to acquire boss server: %w", err)
		}

		d.track(worker)
		d.track(boss)

		d.bus.Publish(events.NewEvent(events.ServerReady).WithRun(runID).WithPayload(map[string]any{
			"workerPort": workerPort,
			"bossPort":   bossPort,
		}))

		return orchestrator.Clients{
			Worker:  worker.Client(),
			Boss:    boss.Client(),
			Handles: []orchestrator.Killer{d.tracked(worker), d.tracked(boss)},
		}, nil
	}
}

// allocatePorts hands each run a disjoint worker/boss port pair. The
// first run gets the configured agent and boss ports; later runs are
// offset in steps of two so concurrent pairs never collide.
func (d *Daemon) allocatePorts() (workerPort, bossPort int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	offset := 2 * d.nextPair
	d.nextPair++
	return d.cfg.AgentPort + offset, d.cfg.BossPort + offset
}

func (d *Daemon) track(h *agentserver.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.children[h] = struct{}{}
}

// tracked wraps a handle so killing it also drops it from the
// exit-hook set.
func (d *Daemon) tracked(h *agentserver.Handle) orchestrator.Killer {
	return killFunc(func() {
		h.Kill()
		d.mu.Lock()
		delete(d.children, h)
		d.mu.Unlock()
	})
}

// killChildren is the process-exit hook: any agent server still alive
// when the daemon winds down is killed so nothing leaks.
func (d *Daemon) killChildren() {
	d.mu.Lock()
	live := make([]*agentserver.Handle, 0, len(d.children))
	for h := range d.children {
		live = append(live, h)
	}
	d.children = make(map[*agentserver.Handle]struct{})
	d.mu.Unlock()

	if len(live) == 0 {
		return
	}
	d.bus.Publish(events.NewEvent(events.ServerCleanup).WithPayload(map[string]any{
		"count": len(live),
	}))
	for _, h := range live {
		h.Kill()
	}
}

type killFunc func()

func (f killFunc) Kill() { f() }
