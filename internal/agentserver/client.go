package agentserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client talks to one agent-server instance over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for an agent server on the local port.
func NewClient(port int) *Client {
	return NewClientURL(fmt.Sprintf("http://127.0.0.1:%d", port))
}

// NewClientURL creates a client for an explicit base URL. Used by tests.
func NewClientURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// No overall timeout: the event stream is long-lived.
		// Per-call deadlines come from the caller's context.
		http: &http.Client{},
	}
}

// BaseURL returns the server's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrUnhealthy, resp.StatusCode)
	}
	return nil
}

// CreateSession creates a session and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/session", map[string]any{"title": title}, &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionCreate, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrSessionCreate)
	}
	return out.ID, nil
}

// Prompt submits a prompt to a session. The server acknowledges
// immediately and streams progress on the event subscription.
func (c *Client) Prompt(ctx context.Context, sessionID, providerID, modelID, text string) error {
	body := map[string]any{
		"model": map[string]string{
			"providerID": providerID,
			"modelID":    modelID,
		},
		"parts": []map[string]string{
			{"type": "text", "text": text},
		},
	}
	return c.postJSON(ctx, "/session/"+sessionID+"/message", body, nil)
}

// ReplyPermission answers a permission request.
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string) error {
	return c.postJSON(ctx, "/permission/"+requestID, map[string]string{"reply": reply}, nil)
}

// Dispose asks the server to release its workspace resources.
func (c *Client) Dispose(ctx context.Context) error {
	return c.postJSON(ctx, "/instance/dispose", struct{}{}, nil)
}

// Events subscribes to the server's SSE event stream. Frames are decoded
// and delivered on the returned channel, which closes when the stream
// ends. The cancel function aborts the subscription.
func (c *Client) Events(ctx context.Context) (<-chan StreamEvent, context.CancelFunc, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, nil, &ServerError{Op: "event subscribe", Status: resp.StatusCode, Body: string(body)}
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				// blank separators and comment keepalives
				continue
			}
			data = bytes.TrimSpace(data)

			var ev StreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("WARN: dropping malformed agent event: %v", err)
				continue
			}

			select {
			case ch <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return ch, cancel, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServerError{Op: "POST " + path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response for %s: %w", path, err)
		}
	}
	return nil
}

// healthTimeout bounds a single health probe.
const healthTimeout = 2 * time.Second

// healthOK probes health with the fixed per-probe timeout.
func (c *Client) healthOK(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return c.Health(probeCtx) == nil
}
