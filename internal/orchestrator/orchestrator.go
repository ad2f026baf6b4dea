// Package orchestrator coordinates multi-backend collaborations: a
// concurrent fan-out of one prompt across several backend queues,
// optionally followed by a fixed number of discussion rounds in which each
// backend responds to the others' latest outputs.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/backend"
)

// DefaultTruncateAt bounds how much of a backend's output is quoted back to
// the other participants during a discussion round.
const DefaultTruncateAt = 2000

// Dispatcher submits one request to a backend's queue and waits for the
// outcome. Satisfied by *queue.Queue.
type Dispatcher interface {
	Do(ctx context.Context, req backend.Request, priority int, timeoutMs int) (*backend.Response, error)
}

// Auditor records collaboration lifecycle events. Satisfied by *audit.Log.
type Auditor interface {
	Record(e audit.Entry)
}

// HistorySink persists finished sessions for later browsing. Satisfied by
// the sqlite history store.
type HistorySink interface {
	SaveSession(ctx context.Context, s *Session) error
}

// Options tunes a single collaboration.
type Options struct {
	EnableDiscussion bool
	DiscussionRounds int
	TimeoutMs        int
	Priority         int
}

// ProviderResponse is one backend's outcome during the fan-out phase. A
// failed backend is recorded here, never surfaced as a session error.
type ProviderResponse struct {
	Backend        string `json:"backend"`
	Content        string `json:"content,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
}

// DiscussionEntry is one backend's contribution to one discussion round.
type DiscussionEntry struct {
	Round        int      `json:"round"`
	Responder    string   `json:"responder"`
	RespondingTo []string `json:"respondingTo"`
	Content      string   `json:"content"`
}

// Session is the full record of one collaboration.
type Session struct {
	ID          string            `json:"id"`
	Prompt      string            `json:"prompt"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt time.Time         `json:"completedAt"`
	Stopped     bool              `json:"stopped"`
	Responses   []ProviderResponse `json:"responses"`
	Discussion  []DiscussionEntry  `json:"discussion,omitempty"`
}

// Orchestrator fans a prompt out across named backend queues.
type Orchestrator struct {
	queues     map[string]Dispatcher
	log        Auditor
	history    HistorySink
	logger     *slog.Logger
	truncateAt int

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

// Option adjusts orchestrator construction.
type Option func(*Orchestrator)

// WithTruncateAt overrides the discussion summary truncation length.
func WithTruncateAt(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.truncateAt = n
		}
	}
}

// WithHistory attaches a session persistence sink.
func WithHistory(h HistorySink) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New builds an orchestrator over the given backend queues, keyed by
// backend id.
func New(queues map[string]Dispatcher, log Auditor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queues:     queues,
		log:        log,
		logger:     slog.Default(),
		truncateAt: DefaultTruncateAt,
		sessions:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Collaborate runs the fan-out and optional discussion phases. It returns
// an error only for invalid input; individual backend failures are recorded
// in the session with success=false.
func (o *Orchestrator) Collaborate(ctx context.Context, prompt string, backendIDs []string, opts Options) (*Session, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	if len(backendIDs) == 0 {
		return nil, fmt.Errorf("no backends specified")
	}
	seen := make(map[string]bool, len(backendIDs))
	for _, id := range backendIDs {
		if _, ok := o.queues[id]; !ok {
			return nil, fmt.Errorf("unknown backend %q", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate backend %q", id)
		}
		seen[id] = true
	}

	session := &Session{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		StartedAt: time.Now(),
	}

	sctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.sessions[session.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.sessions, session.ID)
		o.mu.Unlock()
	}()

	o.record(audit.Entry{
		Action:   audit.CollaborationStarted,
		Details:  fmt.Sprintf("session %s across %s", session.ID, strings.Join(backendIDs, ", ")),
		Severity: audit.SeverityLow,
	})

	session.Responses = o.fanOut(sctx, prompt, backendIDs, opts)

	latest := make(map[string]string)
	var participants []string
	for _, r := range session.Responses {
		if r.Success {
			latest[r.Backend] = r.Content
			participants = append(participants, r.Backend)
		}
	}

	if opts.EnableDiscussion && opts.DiscussionRounds > 0 && len(participants) >= 2 {
		session.Discussion = o.discuss(sctx, prompt, participants, latest, opts)
	}

	session.CompletedAt = time.Now()
	session.Stopped = sctx.Err() != nil && ctx.Err() == nil

	action := audit.CollaborationDone
	if session.Stopped {
		action = audit.CollaborationStopped
	}
	o.record(audit.Entry{
		Action:   action,
		Details:  fmt.Sprintf("session %s: %d/%d backends succeeded, %d discussion entries", session.ID, len(participants), len(backendIDs), len(session.Discussion)),
		Severity: audit.SeverityLow,
	})

	if o.history != nil {
		if err := o.history.SaveSession(ctx, session); err != nil {
			o.logger.Warn("failed to persist collaboration session", "session", session.ID, "error", err)
		}
	}

	return session, nil
}

// fanOut dispatches the prompt to every backend concurrently. One backend's
// failure never cancels the others.
func (o *Orchestrator) fanOut(ctx context.Context, prompt string, backendIDs []string, opts Options) []ProviderResponse {
	results := make([]ProviderResponse, len(backendIDs))
	g, gctx := errgroup.WithContext(ctx)

	for i, id := range backendIDs {
		g.Go(func() error {
			start := time.Now()
			resp, err := o.queues[id].Do(gctx, backend.Request{
				ID:      uuid.NewString(),
				Type:    "collaborate",
				Command: prompt,
			}, opts.Priority, opts.TimeoutMs)
			elapsed := time.Since(start).Milliseconds()

			if err != nil {
				o.logger.Warn("backend failed during fan-out", "backend", id, "error", err)
				results[i] = ProviderResponse{Backend: id, Error: err.Error(), ResponseTimeMs: elapsed}
				return nil // isolation: never cancel the siblings
			}
			if !resp.Success {
				results[i] = ProviderResponse{Backend: id, Error: resp.Err, ResponseTimeMs: resp.ResponseTimeMs}
				return nil
			}
			results[i] = ProviderResponse{
				Backend:        id,
				Content:        resp.Content,
				Success:        true,
				ResponseTimeMs: resp.ResponseTimeMs,
			}
			return nil
		})
	}

	g.Wait()
	return results
}

// discuss runs the bounded discussion rounds. Each round every participant
// answers a summary of the others' latest outputs; a participant that fails
// a round is omitted from that round but keeps its previous output.
func (o *Orchestrator) discuss(ctx context.Context, prompt string, participants []string, latest map[string]string, opts Options) []DiscussionEntry {
	var transcript []DiscussionEntry

	for round := 1; round <= opts.DiscussionRounds; round++ {
		if ctx.Err() != nil {
			break
		}

		entries := make([]*DiscussionEntry, len(participants))
		g, gctx := errgroup.WithContext(ctx)

		for i, id := range participants {
			others := othersOf(participants, id)
			roundPrompt := o.discussionPrompt(prompt, id, others, latest)

			g.Go(func() error {
				resp, err := o.queues[id].Do(gctx, backend.Request{
					ID:      uuid.NewString(),
					Type:    "discuss",
					Command: roundPrompt,
				}, opts.Priority, opts.TimeoutMs)
				if err != nil || !resp.Success {
					o.logger.Warn("backend skipped discussion round", "backend", id, "round", round, "error", err)
					return nil
				}
				entries[i] = &DiscussionEntry{
					Round:        round,
					Responder:    id,
					RespondingTo: others,
					Content:      resp.Content,
				}
				return nil
			})
		}
		g.Wait()

		for _, e := range entries {
			if e != nil {
				transcript = append(transcript, *e)
				latest[e.Responder] = e.Content
			}
		}
	}

	return transcript
}

func (o *Orchestrator) discussionPrompt(original, self string, others []string, latest map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request:\n%s\n\n", original)
	b.WriteString("Other assistants answered:\n\n")
	for _, id := range others {
		fmt.Fprintf(&b, "[%s]:\n%s\n\n", id, o.truncate(latest[id]))
	}
	fmt.Fprintf(&b, "You are %s. Considering their answers, refine or challenge your own response.", self)
	return b.String()
}

func (o *Orchestrator) truncate(s string) string {
	if len(s) <= o.truncateAt {
		return s
	}
	return s[:o.truncateAt] + "…"
}

func othersOf(participants []string, self string) []string {
	others := make([]string, 0, len(participants)-1)
	for _, p := range participants {
		if p != self {
			others = append(others, p)
		}
	}
	sort.Strings(others)
	return others
}

// Stop cancels a running collaboration. In-flight backend calls are
// cancelled and requests still queued on the session's behalf are rejected.
func (o *Orchestrator) Stop(sessionID string) error {
	o.mu.Lock()
	cancel, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running collaboration %q", sessionID)
	}
	cancel()
	return nil
}

// Running lists the ids of in-progress collaborations.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) record(e audit.Entry) {
	if o.log != nil {
		o.log.Record(e)
	}
}
