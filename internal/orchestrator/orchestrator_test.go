package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralphd/internal/agentserver"
	"github.com/ralph-orchestrator/ralphd/internal/events"
	"github.com/ralph-orchestrator/ralphd/internal/git"
)

// playbackClient answers each session with the next scripted transcript.
type playbackClient struct {
	mu          sync.Mutex
	transcripts []string
	prompts     []string
	sessions    int
	current     string
}

func (c *playbackClient) CreateSession(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions++
	c.current = fmt.Sprintf("sess-%d", c.sessions)
	return c.current, nil
}

func (c *playbackClient) Events(ctx context.Context) (<-chan agentserver.StreamEvent, context.CancelFunc, error) {
	c.mu.Lock()
	sessionID := c.current
	transcript := ""
	if len(c.transcripts) > 0 {
		transcript = c.transcripts[0]
		c.transcripts = c.transcripts[1:]
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan agentserver.StreamEvent, 2)

	part, _ := json.Marshal(agentserver.MessagePartUpdated{
		Part: agentserver.Part{ID: "p", SessionID: sessionID, Type: agentserver.PartText, Text: transcript},
	})
	idle, _ := json.Marshal(agentserver.SessionIdle{SessionID: sessionID})
	ch <- agentserver.StreamEvent{Type: agentserver.EventMessagePartUpdated, Properties: part}
	ch <- agentserver.StreamEvent{Type: agentserver.EventSessionIdle, Properties: idle}

	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, cancel, nil
}

func (c *playbackClient) Prompt(_ context.Context, _, _, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, text)
	return nil
}

func (c *playbackClient) ReplyPermission(_ context.Context, _, _ string) error { return nil }

// replayRunner answers git commands by prefix.
type replayRunner struct {
	mu      sync.Mutex
	calls   []string
	respond map[string]replayResponse
}

type replayResponse struct {
	out string
	err error
}

func newReplayRunner() *replayRunner {
	r := &replayRunner{respond: make(map[string]replayResponse)}
	r.respond["rev-parse --short HEAD"] = replayResponse{out: "abc1234\n"}
	return r
}

func (r *replayRunner) on(prefix, out string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.respond[prefix] = replayResponse{out: out, err: err}
}

func (r *replayRunner) Exec(_ context.Context, _ string, args ...string) (string, error) {
	cmd := strings.Join(args, " ")
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	respond := make(map[string]replayResponse, len(r.respond))
	for k, v := range r.respond {
		respond[k] = v
	}
	r.mu.Unlock()

	for prefix, resp := range respond {
		if strings.HasPrefix(cmd, prefix) {
			return resp.out, resp.err
		}
	}
	return "", nil
}

func (r *replayRunner) called(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (r *replayRunner) install(t *testing.T) {
	t.Helper()
	git.SetDefaultRunner(r)
	t.Cleanup(func() { git.SetDefaultRunner(nil) })
}

type countingKiller struct {
	mu    sync.Mutex
	kills int
}

func (k *countingKiller) Kill() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kills++
}

func (k *countingKiller) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kills
}

func stubConnect(worker, boss *playbackClient, killers ...Killer) ConnectFunc {
	return func(context.Context, string) (Clients, error) {
		return Clients{Worker: worker, Boss: boss, Handles: killers}, nil
	}
}

func baseOptions(t *testing.T, bus *events.Bus, connect ConnectFunc) Options {
	t.Helper()
	return Options{
		RunID:        "01J8ZXW9ABCDEF",
		Bus:          bus,
		Connect:      connect,
		RepoPath:     "/repo",
		WorktreesDir: filepath.Join(t.TempDir(), "worktrees"),
		Prompt:       "do X",
		WorkerModel:  "anthropic/claude-sonnet",
		BossModel:    "anthropic/claude-opus",
	}
}

func recordTypes(bus *events.Bus) *[]events.EventType {
	var got []events.EventType
	bus.SubscribeAll(func(e events.Event) { got = append(got, e.Type) })
	return &got
}

func makeWorktreeDir(path string) error {
	return os.MkdirAll(filepath.Join(path, ".git"), 0o755)
}

func TestShortRunID(t *testing.T) {
	assert.Equal(t, "01j8zxw9", ShortRunID("01J8ZXW9ABCDEF"))
	assert.Equal(t, "abc", ShortRunID("ABC"))
}

func TestRun_HappyPathOneIteration(t *testing.T) {
	runner := newReplayRunner()
	runner.install(t)

	worker := &playbackClient{transcripts: []string{"ok"}}
	boss := &playbackClient{transcripts: []string{"VERDICT: DONE"}}
	killer := &countingKiller{}

	bus := events.NewBus()
	seq := recordTypes(bus)

	var terminal events.Event
	bus.Subscribe(events.RalphCompleted, func(e events.Event) { terminal = e })

	err := Run(context.Background(), baseOptions(t, bus, stubConnect(worker, boss, killer)))
	require.NoError(t, err)

	want := []events.EventType{
		events.RalphStarted,
		events.WorktreeCreated,
		events.LoopIterationStart,
		events.WorkerStart,
		events.SessionTextDelta,
		events.WorkerComplete,
		events.BossStart,
		events.SessionTextDelta,
		events.BossComplete,
		events.LoopDone,
		events.WorktreeMerged,
		events.WorktreeRemoved,
		events.RalphCompleted,
	}
	assert.Equal(t, want, *seq)

	assert.Equal(t, 1, terminal.Payload["iterations"])
	assert.Equal(t, true, terminal.Payload["done"])
	assert.Equal(t, "01J8ZXW9ABCDEF", terminal.RunID)
	assert.Equal(t, 1, killer.count())

	assert.True(t, runner.called("worktree add"))
	assert.True(t, runner.called("merge main --no-edit"))
	assert.True(t, runner.called("merge task/01j8zxw9 --no-edit"))
}

func TestRun_FeedbackCarriesBetweenIterations(t *testing.T) {
	runner := newReplayRunner()
	runner.install(t)

	worker := &playbackClient{transcripts: []string{"partial", "finished"}}
	boss := &playbackClient{transcripts: []string{"VERDICT: NOT DONE\nmissing tests", "VERDICT: DONE"}}

	bus := events.NewBus()
	var notDone []events.Event
	bus.Subscribe(events.LoopNotDone, func(e events.Event) { notDone = append(notDone, e) })
	var terminal events.Event
	bus.Subscribe(events.RalphCompleted, func(e events.Event) { terminal = e })

	err := Run(context.Background(), baseOptions(t, bus, stubConnect(worker, boss)))
	require.NoError(t, err)

	assert.Equal(t, 2, terminal.Payload["iterations"])
	assert.Equal(t, true, terminal.Payload["done"])

	require.Len(t, notDone, 1)
	assert.Equal(t, 1, notDone[0].Payload["iteration"])
	assert.Equal(t, "VERDICT: NOT DONE\nmissing tests", notDone[0].Payload["feedback"])

	// Second worker prompt carries the boss feedback
	require.Len(t, worker.prompts, 2)
	assert.NotContains(t, worker.prompts[0], "missing tests")
	assert.Contains(t, worker.prompts[1], "missing tests")
}

func TestRun_MaxIterations_NoMergeAttempt(t *testing.T) {
	runner := newReplayRunner()
	runner.install(t)

	worker := &playbackClient{transcripts: []string{"w", "w", "w"}}
	boss := &playbackClient{transcripts: []string{"VERDICT: NOT DONE", "VERDICT: NOT DONE", "VERDICT: NOT DONE"}}

	bus := events.NewBus()
	var maxed, terminal events.Event
	bus.Subscribe(events.LoopMaxIterations, func(e events.Event) { maxed = e })
	bus.Subscribe(events.RalphCompleted, func(e events.Event) { terminal = e })

	opts := baseOptions(t, bus, stubConnect(worker, boss))
	opts.MaxIterations = 3

	require.NoError(t, Run(context.Background(), opts))

	assert.Equal(t, 3, maxed.Payload["maxIterations"])
	assert.Equal(t, 3, terminal.Payload["iterations"])
	assert.Equal(t, false, terminal.Payload["done"])
	assert.False(t, runner.called("merge main"), "no merge without a done verdict")
}

func TestRun_SessionFailureYieldsRalphError(t *testing.T) {
	runner := newReplayRunner()
	runner.install(t)

	bus := events.NewBus()
	var terminals []events.Event
	bus.SubscribeAll(func(e events.Event) {
		if e.IsTerminal() {
			terminals = append(terminals, e)
		}
	})

	opts := baseOptions(t, bus, func(context.Context, string) (Clients, error) {
		return Clients{}, fmt.Errorf("agent server never became healthy")
	})

	err := Run(context.Background(), opts)
	require.Error(t, err)

	require.Len(t, terminals, 1)
	assert.Equal(t, events.RalphError, terminals[0].Type)
	assert.Contains(t, terminals[0].Payload["error"], "never became healthy")
}

func TestRun_InterruptStopsBeforeNextIteration(t *testing.T) {
	runner := newReplayRunner()
	runner.install(t)

	worker := &playbackClient{transcripts: []string{"w1", "w2", "w3"}}
	boss := &playbackClient{transcripts: []string{"VERDICT: NOT DONE", "VERDICT: NOT DONE", "VERDICT: NOT DONE"}}

	bus := events.NewBus()
	var terminals []events.Event
	bus.SubscribeAll(func(e events.Event) {
		if e.IsTerminal() {
			terminals = append(terminals, e)
		}
	})

	removed := false
	bus.Subscribe(events.WorktreeRemoved, func(events.Event) { removed = true })

	// Interrupt after the first boss verdict lands
	bus.Subscribe(events.LoopNotDone, func(e events.Event) {
		if e.Payload["iteration"] == 1 {
			bus.Publish(events.NewEvent(events.RalphInterrupted).WithRun("01J8ZXW9ABCDEF").WithPayload(map[string]any{
				"reason": events.ReasonUserStop,
			}))
		}
	})

	opts := baseOptions(t, bus, stubConnect(worker, boss))
	opts.MaxIterations = 3

	require.NoError(t, Run(context.Background(), opts))

	// Only the externally published interrupt terminates the run
	require.Len(t, terminals, 1)
	assert.Equal(t, events.RalphInterrupted, terminals[0].Type)

	assert.Equal(t, 1, worker.sessions, "no further iteration after the interrupt")
	assert.True(t, removed, "cleanup still runs after an interrupt")
}

func TestRun_InterruptForOtherRunIsIgnored(t *testing.T) {
	runner := newReplayRunner()
	runner.install(t)

	worker := &playbackClient{transcripts: []string{"ok"}}
	boss := &playbackClient{transcripts: []string{"VERDICT: DONE"}}

	bus := events.NewBus()
	bus.Subscribe(events.LoopIterationStart, func(events.Event) {
		bus.Publish(events.NewEvent(events.RalphInterrupted).WithRun("someone-else").WithPayload(map[string]any{
			"reason": events.ReasonUserQuit,
		}))
	})

	var terminal events.Event
	bus.Subscribe(events.RalphCompleted, func(e events.Event) { terminal = e })

	require.NoError(t, Run(context.Background(), baseOptions(t, bus, stubConnect(worker, boss))))
	assert.Equal(t, true, terminal.Payload["done"])
}

func TestRun_MergeConflictResolvedByResolver(t *testing.T) {
	runner := newReplayRunner()
	// First merge hits conflicts; after the resolver the worktree is clean
	runner.on("merge main --no-edit", "", &git.ExitError{Code: 1, Stderr: "CONFLICT"})
	runner.on("diff --name-only --diff-filter=U", "a.go\n", nil)
	runner.on("status --porcelain", "", nil)
	runner.on("grep -E -l", "", &git.ExitError{Code: 1})
	runner.install(t)

	worker := &playbackClient{transcripts: []string{"ok", "resolved"}}
	boss := &playbackClient{transcripts: []string{"VERDICT: DONE"}}

	bus := events.NewBus()
	var conflict, terminal events.Event
	bus.Subscribe(events.WorktreeMergeConflict, func(e events.Event) { conflict = e })
	bus.Subscribe(events.RalphCompleted, func(e events.Event) { terminal = e })

	opts := baseOptions(t, bus, stubConnect(worker, boss))

	// The orchestrator's worktree path is derived from the run id; the
	// resolver's clean check reads .git there, which the fake runner
	// does not create. Point the worktrees dir at a real location and
	// pre-create the expected directory.
	wtDir := filepath.Join(opts.WorktreesDir, "task-01j8zxw9")
	require.NoError(t, makeWorktreeDir(wtDir))

	require.NoError(t, Run(context.Background(), opts))

	assert.Equal(t, []string{"a.go"}, conflict.Payload["conflicts"])
	assert.Equal(t, true, terminal.Payload["done"])
	assert.True(t, runner.called("merge task/01j8zxw9 --no-edit"))
}
