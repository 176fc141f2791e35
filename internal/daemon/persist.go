package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ralph-orchestrator/ralphd/internal/events"
)

// Run statuses derived from a run's event log.
const (
	RunStatusRunning = "running"
	RunStatusUnknown = "unknown"
)

// Persister is the bus subscriber that appends every run-scoped event
// to runs/<runId>/events.jsonl and flips job status on terminal events.
type Persister struct {
	runsDir string
	jobs    *JobStore

	mu         sync.Mutex
	dirsMade   map[string]bool
	runToJob   map[string]string
	terminated map[string]bool
}

// NewPersister creates a persister rooted at runsDir.
func NewPersister(runsDir string, jobs *JobStore) *Persister {
	return &Persister{
		runsDir:    runsDir,
		jobs:       jobs,
		dirsMade:   make(map[string]bool),
		runToJob:   make(map[string]string),
		terminated: make(map[string]bool),
	}
}

// Attach subscribes the persister to the bus. The returned function
// detaches it.
func (p *Persister) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(p.handle)
}

// BindRun records that a run belongs to a job, so the job's status can
// be rewritten when the run terminates.
func (p *Persister) BindRun(runID, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runToJob[runID] = jobID
}

// handle appends one event and, on terminal events, settles the bound
// job. Events arriving after a run's terminal event are dropped, so the
// terminal event stays the last line of the log. An interrupted run
// still tears down its worktree, and those cleanup events land here
// after ralph.interrupted has already closed the log.
func (p *Persister) handle(e events.Event) {
	if e.RunID == "" {
		return
	}

	p.mu.Lock()
	done := p.terminated[e.RunID]
	if !done && e.IsTerminal() {
		p.terminated[e.RunID] = true
	}
	p.mu.Unlock()
	if done {
		return
	}

	if err := p.append(e); err != nil {
		log.Printf("WARN: failed to persist %s for run %s: %v", e.Type, e.RunID, err)
	}

	if !e.IsTerminal() {
		return
	}

	p.mu.Lock()
	jobID, bound := p.runToJob[e.RunID]
	delete(p.runToJob, e.RunID)
	p.mu.Unlock()

	if !bound {
		return
	}
	status := terminalJobStatus(e.Type)
	if _, err := p.jobs.Update(jobID, func(j *Job) { j.Status = status }); err != nil {
		log.Printf("WARN: failed to settle job %s as %s: %v", jobID, status, err)
	}
}

func (p *Persister) append(e events.Event) error {
	dir := filepath.Join(p.runsDir, e.RunID)

	p.mu.Lock()
	if !p.dirsMade[e.RunID] {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("failed to create run directory: %w", err)
		}
		p.dirsMade[e.RunID] = true
	}
	p.mu.Unlock()

	line, err := events.MarshalLine(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

// EventsPath returns the JSONL path for a run.
func (p *Persister) EventsPath(runID string) string {
	return filepath.Join(p.runsDir, runID, "events.jsonl")
}

// ReadRunEvents replays a run's persisted events in order. A run with
// no log yields an empty slice.
func (p *Persister) ReadRunEvents(runID string) ([]events.Event, error) {
	f, err := os.Open(p.EventsPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return []events.Event{}, nil
		}
		return nil, err
	}
	defer f.Close()
	return events.ReadLog(f)
}

// RunStatus derives a run's status from the last line of its log:
// unknown when no log exists, the terminal status when the last event
// is terminal, running otherwise.
func (p *Persister) RunStatus(runID string) string {
	f, err := os.Open(p.EventsPath(runID))
	if err != nil {
		return RunStatusUnknown
	}
	defer f.Close()

	last, ok, err := events.LastEvent(f)
	if err != nil || !ok {
		return RunStatusRunning
	}
	if last.IsTerminal() {
		return string(terminalJobStatus(last.Type))
	}
	return RunStatusRunning
}

// terminalJobStatus maps a terminal event type to the job status it
// settles the job with.
func terminalJobStatus(t events.EventType) JobStatus {
	switch t {
	case events.RalphCompleted:
		return JobCompleted
	case events.RalphInterrupted:
		return JobInterrupted
	default:
		return JobError
	}
}
