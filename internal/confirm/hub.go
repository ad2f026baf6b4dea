package confirm

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/castellan-ai/castellan/internal/security"
)

// DefaultAnswerTimeout bounds how long a pushed confirmation waits for the
// UI before counting as dismissed.
const DefaultAnswerTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// promptMessage is what the hub pushes to the attached UI.
type promptMessage struct {
	ID        string `json:"id"`
	ToolKey   string `json:"toolKey"`
	AgentName string `json:"agentName"`
	Risk      string `json:"risk"`
	Context   string `json:"context,omitempty"`
}

// answerMessage is what the UI sends back.
type answerMessage struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// Hub pushes pending confirmations to a desktop UI over a local websocket
// and blocks until the matching answer arrives. No attached UI, a timeout,
// or a disconnect mid-prompt all count as dismissal.
type Hub struct {
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	pending map[string]chan bool
	closed  bool
}

// HubOption adjusts hub construction.
type HubOption func(*Hub)

// WithAnswerTimeout overrides how long a prompt waits for the UI.
func WithAnswerTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHub builds a confirmation hub. Mount its Handler on the local server
// the UI connects to.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger:  logger,
		timeout: DefaultAnswerTimeout,
		pending: make(map[string]chan bool),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handler upgrades the UI's connection. A new connection replaces any
// previous one; prompts pending on the old connection are denied.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("confirmation hub upgrade failed", "error", err)
			return
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		old := h.conn
		h.conn = conn
		h.denyPendingLocked()
		h.mu.Unlock()
		if old != nil {
			old.Close()
		}

		h.logger.Info("confirmation ui attached", "remote", r.RemoteAddr)
		h.readLoop(conn)
	})
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		var ans answerMessage
		if err := conn.ReadJSON(&ans); err != nil {
			h.mu.Lock()
			if h.conn == conn {
				h.conn = nil
				h.denyPendingLocked()
			}
			h.mu.Unlock()
			h.logger.Info("confirmation ui detached", "error", err)
			return
		}

		h.mu.Lock()
		ch, ok := h.pending[ans.ID]
		if ok {
			delete(h.pending, ans.ID)
		}
		h.mu.Unlock()
		if ok {
			ch <- ans.Approved
		}
	}
}

// denyPendingLocked answers every waiting prompt with deny. Caller holds mu.
func (h *Hub) denyPendingLocked() {
	for id, ch := range h.pending {
		delete(h.pending, id)
		ch <- false
	}
}

func (h *Hub) Confirm(ctx context.Context, prompt security.ConfirmationPrompt) bool {
	h.mu.Lock()
	conn := h.conn
	if conn == nil || h.closed {
		h.mu.Unlock()
		h.logger.Warn("no confirmation ui attached, denying",
			"tool", prompt.ToolKey, "agent", prompt.AgentName)
		return false
	}
	id := uuid.NewString()
	ch := make(chan bool, 1)
	h.pending[id] = ch
	h.mu.Unlock()

	msg := promptMessage{
		ID:        id,
		ToolKey:   prompt.ToolKey,
		AgentName: prompt.AgentName,
		Risk:      prompt.Risk.String(),
		Context:   prompt.Context,
	}
	h.writeMu.Lock()
	err := conn.WriteJSON(msg)
	h.writeMu.Unlock()
	if err != nil {
		h.logger.Warn("failed to push confirmation to ui", "error", err)
		h.forget(id)
		return false
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case approved := <-ch:
		return approved
	case <-timer.C:
		h.logger.Warn("confirmation timed out, denying", "tool", prompt.ToolKey)
		h.forget(id)
		return false
	case <-ctx.Done():
		h.forget(id)
		return false
	}
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// Close detaches the UI and denies everything still pending.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conn := h.conn
	h.conn = nil
	h.denyPendingLocked()
	h.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
