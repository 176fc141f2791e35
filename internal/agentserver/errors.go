package agentserver

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionCreate indicates the server refused to create a session
	ErrSessionCreate = errors.New("agent server refused session create")

	// ErrUnhealthy indicates the server never became healthy
	ErrUnhealthy = errors.New("agent server failed health check")
)

// ServerError wraps a non-2xx response from the agent server.
type ServerError struct {
	Op     string
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("agent server %s failed (HTTP %d): %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("agent server %s failed (HTTP %d)", e.Op, e.Status)
}
