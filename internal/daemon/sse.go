package daemon

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ralph-orchestrator/ralphd/internal/events"
)

// keepaliveInterval spaces the SSE comment frames that keep idle
// connections open through proxies.
const keepaliveInterval = 5 * time.Second

// sseClientBuffer absorbs bursts between flushes. The bus must never
// block on a slow reader, so overflow drops the event for that client;
// the persistent log remains complete.
const sseClientBuffer = 256

// handleEvents streams live bus events as SSE. An optional ?runId=
// filter restricts the stream to one run and closes it after that run's
// terminal event.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	runFilter := r.URL.Query().Get("runId")
	clientID := uuid.NewString()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Establish the stream before any event arrives
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch := make(chan events.Event, sseClientBuffer)
	unsubscribe := s.bus.SubscribeAll(func(e events.Event) {
		if runFilter != "" && e.RunID != runFilter {
			return
		}
		select {
		case ch <- e:
		default:
			log.Printf("WARN: SSE client %s lagging, dropping %s", clientID, e.Type)
		}
	})
	defer unsubscribe()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-keepalive.C:
			fmt.Fprint(w, ":\n\n")
			flusher.Flush()

		case e := <-ch:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

			// A filtered stream ends with its run
			if runFilter != "" && e.IsTerminal() {
				return
			}
		}
	}
}
