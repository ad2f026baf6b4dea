// Package backend defines the uniform contract every execution backend
// implements, plus the three concrete adapters: the local model server,
// the desktop command executor, and the CLI reasoning assistant. The
// queue and orchestrator depend only on the Adapter interface; how a
// request becomes an HTTP call or a spawned process is an adapter
// detail.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request is one unit of work for a backend.
type Request struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"` // backend-specific operation tag
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Response is the immutable outcome of one backend call.
type Response struct {
	Provider       string         `json:"provider"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Success        bool           `json:"success"`
	Err            string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Adapter wraps one external execution backend.
type Adapter interface {
	// ID returns the stable backend identifier.
	ID() string
	// Initialize probes availability and capability. An adapter that
	// fails here must not be registered with any queue.
	Initialize(ctx context.Context) error
	// Execute submits one request. The context deadline bounds the
	// underlying call; cancellation must terminate it, not merely stop
	// waiting.
	Execute(ctx context.Context, req Request) (*Response, error)
	// Shutdown releases held resources and terminates any spawned
	// process.
	Shutdown(ctx context.Context) error
}

// ErrorType classifies backend failures for handling at the queue and
// service boundaries.
type ErrorType int

const (
	ErrUnavailable  ErrorType = iota // adapter not initialized / backend unreachable
	ErrTimeout                       // deadline exceeded, call terminated
	ErrProcessError                  // backend reported failure
	ErrProtocol                      // malformed response from the backend
	ErrUnknown
)

// String returns the machine-readable name of the error type.
func (e ErrorType) String() string {
	switch e {
	case ErrUnavailable:
		return "backend_unavailable"
	case ErrTimeout:
		return "backend_timeout"
	case ErrProcessError:
		return "backend_process_error"
	case ErrProtocol:
		return "backend_protocol_error"
	default:
		return "unknown"
	}
}

// Error wraps a backend failure with its classification.
type Error struct {
	Type    ErrorType
	Backend string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s %s: %s", e.Backend, e.Type, e.Message)
}

// IsType reports whether err is (or wraps) a backend Error of the given
// type.
func IsType(err error, t ErrorType) bool {
	var be *Error
	return errors.As(err, &be) && be.Type == t
}

// newResponse stamps the shared response fields.
func newResponse(provider string, start time.Time) *Response {
	return &Response{
		Provider:       provider,
		Timestamp:      time.Now(),
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}
