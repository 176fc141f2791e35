package agentserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClientURL(srv.URL)
	assert.NoError(t, client.Health(context.Background()))
}

func TestClient_Health_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewClientURL(srv.URL).Health(context.Background())
	assert.ErrorIs(t, err, ErrUnhealthy)
}

func TestClient_CreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "worker iteration 1", body["title"])

		json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
	}))
	defer srv.Close()

	id, err := NewClientURL(srv.URL).CreateSession(context.Background(), "worker iteration 1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
}

func TestClient_CreateSession_EmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := NewClientURL(srv.URL).CreateSession(context.Background(), "t")
	assert.ErrorIs(t, err, ErrSessionCreate)
}

func TestClient_Prompt_BodyShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/sess-1/message", r.URL.Path)

		var body struct {
			Model struct {
				ProviderID string `json:"providerID"`
				ModelID    string `json:"modelID"`
			} `json:"model"`
			Parts []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"parts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "anthropic", body.Model.ProviderID)
		assert.Equal(t, "claude-sonnet", body.Model.ModelID)
		require.Len(t, body.Parts, 1)
		assert.Equal(t, "text", body.Parts[0].Type)
		assert.Equal(t, "do the thing", body.Parts[0].Text)

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewClientURL(srv.URL).Prompt(context.Background(), "sess-1", "anthropic", "claude-sonnet", "do the thing")
	assert.NoError(t, err)
}

func TestClient_ReplyPermission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/permission/req-9", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "once", body["reply"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewClientURL(srv.URL).ReplyPermission(context.Background(), "req-9", "once"))
}

func TestClient_PostError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewClientURL(srv.URL).Dispose(context.Background())
	require.Error(t, err)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusNotFound, serverErr.Status)
	assert.Contains(t, serverErr.Error(), "no such session")
}

func TestClient_Events_ParsesFramesAndSkipsKeepalives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/event", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "data: {\"type\":\"session.idle\",\"properties\":{\"sessionID\":\"s1\"}}\n\n")
		fmt.Fprint(w, ":\n\n")
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"session.error\",\"properties\":{\"sessionID\":\"s1\",\"error\":\"boom\"}}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	ch, cancel, err := NewClientURL(srv.URL).Events(context.Background())
	require.NoError(t, err)
	defer cancel()

	var got []StreamEvent
	for ev := range ch {
		got = append(got, ev)
	}

	require.Len(t, got, 2)
	assert.Equal(t, EventSessionIdle, got[0].Type)
	assert.Equal(t, EventSessionError, got[1].Type)

	var payload SessionError
	require.NoError(t, json.Unmarshal(got[1].Properties, &payload))
	assert.Equal(t, "boom", payload.Error)
}

func TestClient_Events_CancelAbortsStream(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch, cancel, err := NewClientURL(srv.URL).Events(context.Background())
	require.NoError(t, err)

	<-started
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream channel did not close after cancel")
	}
}

func TestToolTime_DurationSeconds(t *testing.T) {
	tt := &ToolTime{Start: 1000, End: 3500}
	secs, ok := tt.DurationSeconds()
	require.True(t, ok)
	assert.InDelta(t, 2.5, secs, 0.001)

	_, ok = (&ToolTime{Start: 1000}).DurationSeconds()
	assert.False(t, ok)

	var nilTime *ToolTime
	_, ok = nilTime.DurationSeconds()
	assert.False(t, ok)
}
