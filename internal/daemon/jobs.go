package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	JobDraft       JobStatus = "draft"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobError       JobStatus = "error"
	JobInterrupted JobStatus = "interrupted"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Job is a named, persisted prompt that may be run many times.
type Job struct {
	ID     string    `json:"id"`
	Prompt string    `json:"prompt"`
	Status JobStatus `json:"status"`

	// RunID is the latest run, empty before the first
	RunID string `json:"runId,omitempty"`

	// RunIDs is append-only
	RunIDs []string `json:"runIds"`

	// CreatedAt is epoch milliseconds
	CreatedAt int64 `json:"createdAt"`
}

// JobStore persists jobs as one pretty-printed JSON file each under
// jobs/<id>.json. Mutations are read-modify-write under a single lock;
// last writer wins, which matches how rarely jobs are edited.
type JobStore struct {
	mu  sync.Mutex
	dir string
}

// NewJobStore creates a store rooted at dir.
func NewJobStore(dir string) *JobStore {
	return &JobStore{dir: dir}
}

// Create persists a new draft job for the prompt.
func (s *JobStore) Create(prompt string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{
		ID:        strings.ToLower(ulid.Make().String()),
		Prompt:    prompt,
		Status:    JobDraft,
		RunIDs:    []string{},
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.write(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get loads one job.
func (s *JobStore) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns all jobs sorted by creation time ascending, with a
// stable tiebreak on id.
func (s *JobStore) List() ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Job{}, nil
		}
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		id, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		job, err := s.read(id)
		if err != nil {
			// Corrupt files are skipped, not fatal
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

// Update applies fn to the stored job and writes it back.
func (s *JobStore) Update(id string, fn func(*Job)) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.read(id)
	if err != nil {
		return nil, err
	}
	fn(job)
	if err := s.write(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes the job file.
func (s *JobStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *JobStore) read(id string) (*Job, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", id, err)
	}
	return &job, nil
}

func (s *JobStore) write(job *Job) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path(job.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	return nil
}
