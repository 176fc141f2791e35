package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/ralph-orchestrator/ralphd/internal/events"
)

// mintRunID returns a fresh ULID run id.
func mintRunID() string {
	return ulid.Make().String()
}

// shutdownDelay lets the /shutdown response reach the client before the
// process exits.
const shutdownDelay = 100 * time.Millisecond

// PromptFunc launches a run for a prompt. The service calls it on its
// own goroutine; panics are caught and republished as ralph.error.
type PromptFunc func(runID, prompt string)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Bus        *events.Bus
	Jobs       *JobStore
	Persister  *Persister
	Caffinator *Caffinator
	OnPrompt   PromptFunc
	OnShutdown func()

	// NewRunID mints run ids; defaults to ULIDs
	NewRunID func() string
}

// Service is the daemon's JSON-over-HTTP surface.
type Service struct {
	bus        *events.Bus
	jobs       *JobStore
	persister  *Persister
	caffinator *Caffinator
	onPrompt   PromptFunc
	onShutdown func()
	newRunID   func() string

	srv *http.Server
}

// NewService builds the service and its router.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		bus:        cfg.Bus,
		jobs:       cfg.Jobs,
		persister:  cfg.Persister,
		caffinator: cfg.Caffinator,
		onPrompt:   cfg.OnPrompt,
		onShutdown: cfg.OnShutdown,
		newRunID:   cfg.NewRunID,
	}
	if s.newRunID == nil {
		s.newRunID = mintRunID
	}

	// Terminal events drain the caffinate tracker
	s.bus.SubscribeAll(func(e events.Event) {
		if e.RunID != "" && e.IsTerminal() {
			s.caffinator.RunFinished(e.RunID)
		}
	})

	return s
}

// Router assembles the HTTP routes.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsAllowAll)

	r.Get("/health", s.handleHealth)

	r.Get("/jobs", s.handleListJobs)
	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Put("/jobs/{id}", s.handleUpdateJob)
	r.Delete("/jobs/{id}", s.handleDeleteJob)

	r.Post("/prompt", s.handlePrompt)
	r.Post("/runs/status", s.handleRunsStatus)
	r.Post("/runs/{runId}/interrupt", s.handleInterrupt)
	r.Get("/runs/{runId}/events", s.handleRunEvents)
	r.Get("/events", s.handleEvents)

	r.Post("/caffinate", s.handleCaffinate)
	r.Post("/shutdown", s.handleShutdown)

	return r
}

// Start begins serving on the port. Blocks until Stop or a listener error.
func (s *Service) Start(port int) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}
	log.Printf("INFO: ralphd listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsAllowAll applies the permissive CORS policy to every response.
func corsAllowAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.jobs.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	job, err := s.jobs.Create(body.Prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Service) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt *string    `json:"prompt"`
		Status *JobStatus `json:"status"`
		RunID  *string    `json:"runId"`
		RunIDs *[]string  `json:"runIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := s.jobs.Update(chi.URLParam(r, "id"), func(j *Job) {
		if body.Prompt != nil {
			j.Prompt = *body.Prompt
		}
		if body.Status != nil {
			j.Status = *body.Status
		}
		if body.RunID != nil {
			j.RunID = *body.RunID
		}
		if body.RunIDs != nil {
			j.RunIDs = *body.RunIDs
		}
	})
	if err != nil {
		jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Service) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.jobs.Get(id)
	if err != nil {
		jobError(w, err)
		return
	}
	if job.Status == JobRunning {
		writeError(w, http.StatusConflict, "job is running")
		return
	}

	if err := s.jobs.Delete(id); err != nil {
		jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Service) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
		JobID  string `json:"jobId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	runID := s.newRunID()

	if body.JobID != "" {
		_, err := s.jobs.Update(body.JobID, func(j *Job) {
			j.Status = JobRunning
			j.RunID = runID
			j.RunIDs = append(j.RunIDs, runID)
		})
		if err != nil {
			jobError(w, err)
			return
		}
		s.persister.BindRun(runID, body.JobID)
	}

	s.caffinator.RunStarted(runID)
	go s.launch(runID, body.Prompt)

	writeJSON(w, http.StatusAccepted, map[string]string{"id": runID})
}

// launch invokes the orchestration callback, converting a panic into a
// terminal ralph.error so streaming clients still see the run end.
func (s *Service) launch(runID, prompt string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("ERROR: run %s panicked: %v", runID, rec)
			s.bus.Publish(events.NewEvent(events.RalphError).WithRun(runID).WithPayload(map[string]any{
				"error": fmt.Sprintf("internal error: %v", rec),
			}))
		}
	}()
	s.onPrompt(runID, prompt)
}

func (s *Service) handleRunsStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunIDs []string `json:"runIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	statuses := make(map[string]string, len(body.RunIDs))
	for _, runID := range body.RunIDs {
		statuses[runID] = s.persister.RunStatus(runID)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Service) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Reason != events.ReasonUserStop && body.Reason != events.ReasonUserQuit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid reason %q", body.Reason))
		return
	}

	s.bus.Publish(events.NewEvent(events.RalphInterrupted).WithRun(runID).WithPayload(map[string]any{
		"reason": body.Reason,
	}))
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Service) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	replay, err := s.persister.ReadRunEvents(chi.URLParam(r, "runId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

func (s *Service) handleCaffinate(w http.ResponseWriter, _ *http.Request) {
	s.caffinator.Caffinate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "caffinated"})
}

func (s *Service) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	time.AfterFunc(shutdownDelay, s.onShutdown)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func jobError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
