package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

const defaultModelServerTimeout = 120 * time.Second

// ModelServer talks to the local model server over HTTP. Per-model
// circuit breakers keep one misbehaving model from burying the others
// in doomed requests.
type ModelServer struct {
	id         string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Response]
	ready    bool
}

// ModelServerOption configures a ModelServer.
type ModelServerOption func(*ModelServer)

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) ModelServerOption {
	return func(m *ModelServer) { m.httpClient = c }
}

// WithModelServerLogger sets a structured logger.
func WithModelServerLogger(l *slog.Logger) ModelServerOption {
	return func(m *ModelServer) { m.log = l }
}

// NewModelServer creates the model-server adapter for the given base URL.
func NewModelServer(id, baseURL string, opts ...ModelServerOption) *ModelServer {
	m := &ModelServer{
		id:         id,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultModelServerTimeout},
		log:        slog.Default(),
		breakers:   make(map[string]*gobreaker.CircuitBreaker[*Response]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the backend identifier.
func (m *ModelServer) ID() string { return m.id }

// Initialize probes the server's health endpoint.
func (m *ModelServer) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/health", nil)
	if err != nil {
		return &Error{Type: ErrUnavailable, Backend: m.id, Message: err.Error()}
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &Error{Type: ErrUnavailable, Backend: m.id, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Type: ErrUnavailable, Backend: m.id,
			Message: fmt.Sprintf("health probe returned HTTP %d", resp.StatusCode)}
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	return nil
}

// generateRequest is the model server's generation payload.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

// generateResponse is the model server's generation reply.
type generateResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Execute sends one generation request. Request.Command carries the
// prompt; Options["model"] selects the model, Options["system"] the
// system prompt.
func (m *ModelServer) Execute(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	ready := m.ready
	m.mu.Unlock()
	if !ready {
		return nil, &Error{Type: ErrUnavailable, Backend: m.id, Message: "adapter not initialized"}
	}

	model := req.Options["model"]
	if model == "" {
		return nil, &Error{Type: ErrProcessError, Backend: m.id, Message: "request has no model option"}
	}

	cb := m.getOrCreateBreaker(model)
	resp, err := cb.Execute(func() (*Response, error) {
		return m.generate(ctx, model, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &Error{Type: ErrUnavailable, Backend: m.id,
				Message: fmt.Sprintf("circuit breaker open for model %s", model)}
		}
		return nil, err
	}
	return resp, nil
}

// generate performs the single HTTP call.
func (m *ModelServer) generate(ctx context.Context, model string, req Request) (*Response, error) {
	start := time.Now()

	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: req.Command,
		System: req.Options["system"],
	})
	if err != nil {
		return nil, &Error{Type: ErrProtocol, Backend: m.id, Message: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Type: ErrProtocol, Backend: m.id, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Type: ErrTimeout, Backend: m.id, Message: "generation timed out"}
		}
		return nil, &Error{Type: ErrUnavailable, Backend: m.id, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Type: ErrProtocol, Backend: m.id, Message: err.Error()}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &Error{Type: ErrProcessError, Backend: m.id,
			Message: fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode, truncateForLog(respBody))}
	}

	var gen generateResponse
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return nil, &Error{Type: ErrProtocol, Backend: m.id, Message: err.Error()}
	}
	if gen.Error != "" {
		return nil, &Error{Type: ErrProcessError, Backend: m.id, Message: gen.Error}
	}

	out := newResponse(m.id, start)
	out.Success = true
	out.Content = gen.Response
	out.Metadata = map[string]any{"model": gen.Model}
	return out, nil
}

// Shutdown drops the ready flag; in-flight HTTP calls are cancelled by
// their contexts.
func (m *ModelServer) Shutdown(context.Context) error {
	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()
	return nil
}

// getOrCreateBreaker returns the per-model circuit breaker.
func (m *ModelServer) getOrCreateBreaker(model string) *gobreaker.CircuitBreaker[*Response] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        m.id + "-" + model,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Info("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	m.breakers[model] = cb
	return cb
}

// truncateForLog keeps error payloads readable.
func truncateForLog(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
