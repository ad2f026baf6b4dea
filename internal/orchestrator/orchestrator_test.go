package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/backend"
	"github.com/castellan-ai/castellan/internal/queue"
)

type stubQueue struct {
	id string

	mu    sync.Mutex
	calls []backend.Request

	respond func(ctx context.Context, req backend.Request) (*backend.Response, error)
}

func (s *stubQueue) Do(ctx context.Context, req backend.Request, priority, timeoutMs int) (*backend.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(ctx, req)
	}
	return &backend.Response{Provider: s.id, Content: "answer from " + s.id, Success: true}, nil
}

func (s *stubQueue) requests() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Request(nil), s.calls...)
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAuditor) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Action
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

func TestCollaborate_FanOutAndDiscussion(t *testing.T) {
	a := &stubQueue{id: "backendA"}
	b := &stubQueue{id: "backendB"}
	auditor := &recordingAuditor{}
	o := New(map[string]Dispatcher{"backendA": a, "backendB": b}, auditor)

	session, err := o.Collaborate(context.Background(), "compare approaches", []string{"backendA", "backendB"}, Options{
		EnableDiscussion: true,
		DiscussionRounds: 1,
	})
	if err != nil {
		t.Fatalf("Collaborate: %v", err)
	}

	if len(session.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(session.Responses))
	}
	for _, r := range session.Responses {
		if !r.Success {
			t.Errorf("backend %s failed: %s", r.Backend, r.Error)
		}
	}

	if len(session.Discussion) != 2 {
		t.Fatalf("discussion entries = %d, want 2", len(session.Discussion))
	}
	for _, e := range session.Discussion {
		if e.Round != 1 {
			t.Errorf("entry round = %d, want 1", e.Round)
		}
		if len(e.RespondingTo) != 1 || e.RespondingTo[0] == e.Responder {
			t.Errorf("entry %s respondingTo = %v", e.Responder, e.RespondingTo)
		}
	}

	actions := auditor.actions()
	if len(actions) != 2 || actions[0] != audit.CollaborationStarted || actions[1] != audit.CollaborationDone {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestCollaborate_FailureIsolation(t *testing.T) {
	a := &stubQueue{id: "backendA"}
	b := &stubQueue{
		id: "backendB",
		respond: func(ctx context.Context, req backend.Request) (*backend.Response, error) {
			return nil, &backend.Error{Type: backend.ErrProcessError, Backend: "backendB", Message: "crashed"}
		},
	}
	o := New(map[string]Dispatcher{"backendA": a, "backendB": b}, nil)

	session, err := o.Collaborate(context.Background(), "hello", []string{"backendA", "backendB"}, Options{
		EnableDiscussion: true,
		DiscussionRounds: 2,
	})
	if err != nil {
		t.Fatalf("one failing backend must not fail the session: %v", err)
	}

	byBackend := map[string]ProviderResponse{}
	for _, r := range session.Responses {
		byBackend[r.Backend] = r
	}
	if !byBackend["backendA"].Success {
		t.Error("backendA should have succeeded")
	}
	if byBackend["backendB"].Success || byBackend["backendB"].Error == "" {
		t.Errorf("backendB should be recorded as failed, got %+v", byBackend["backendB"])
	}

	// fewer than two successes: no discussion
	if len(session.Discussion) != 0 {
		t.Errorf("discussion should be skipped, got %d entries", len(session.Discussion))
	}
}

func TestCollaborate_ValidatesInput(t *testing.T) {
	o := New(map[string]Dispatcher{"a": &stubQueue{id: "a"}}, nil)

	if _, err := o.Collaborate(context.Background(), "p", []string{"missing"}, Options{}); err == nil {
		t.Error("unknown backend must be rejected")
	}
	if _, err := o.Collaborate(context.Background(), "  ", []string{"a"}, Options{}); err == nil {
		t.Error("empty prompt must be rejected")
	}
	if _, err := o.Collaborate(context.Background(), "p", nil, Options{}); err == nil {
		t.Error("empty backend list must be rejected")
	}
	if _, err := o.Collaborate(context.Background(), "p", []string{"a", "a"}, Options{}); err == nil {
		t.Error("duplicate backend must be rejected")
	}
}

func TestCollaborate_TruncatesDiscussionSummaries(t *testing.T) {
	long := strings.Repeat("x", 100)
	a := &stubQueue{id: "a", respond: func(ctx context.Context, req backend.Request) (*backend.Response, error) {
		return &backend.Response{Provider: "a", Content: long, Success: true}, nil
	}}
	b := &stubQueue{id: "b"}
	o := New(map[string]Dispatcher{"a": a, "b": b}, nil, WithTruncateAt(10))

	if _, err := o.Collaborate(context.Background(), "p", []string{"a", "b"}, Options{
		EnableDiscussion: true,
		DiscussionRounds: 1,
	}); err != nil {
		t.Fatalf("Collaborate: %v", err)
	}

	var discuss *backend.Request
	for _, req := range b.requests() {
		if req.Type == "discuss" {
			discuss = &req
			break
		}
	}
	if discuss == nil {
		t.Fatal("backend b never received a discussion prompt")
	}
	if strings.Contains(discuss.Command, long) {
		t.Error("discussion prompt quoted the full output instead of truncating")
	}
	if !strings.Contains(discuss.Command, strings.Repeat("x", 10)+"…") {
		t.Error("discussion prompt missing the truncated summary")
	}
}

type blockingAdapter struct {
	id      string
	started chan struct{}

	mu         sync.Mutex
	executions int
}

func (b *blockingAdapter) ID() string                           { return b.id }
func (b *blockingAdapter) Initialize(ctx context.Context) error { return nil }
func (b *blockingAdapter) Shutdown(ctx context.Context) error   { return nil }

func (b *blockingAdapter) Execute(ctx context.Context, req backend.Request) (*backend.Response, error) {
	b.mu.Lock()
	b.executions++
	b.mu.Unlock()
	b.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingAdapter) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executions
}

// Stopping a session must reach the backend queue: the session's in-flight
// call is aborted and its still-queued requests never touch the backend.
func TestStop_AbortsAndRejectsOnRealQueue(t *testing.T) {
	adapter := &blockingAdapter{id: "a", started: make(chan struct{}, 1)}
	q := queue.New(adapter, queue.WithPause(0))
	q.Start()
	defer q.Shutdown(context.Background())

	o := New(map[string]Dispatcher{"a": q}, nil)

	results := make(chan *Session, 2)
	for _, prompt := range []string{"first", "second"} {
		go func() {
			s, err := o.Collaborate(context.Background(), prompt, []string{"a"}, Options{})
			if err != nil {
				t.Errorf("Collaborate(%s): %v", prompt, err)
			}
			results <- s
		}()
		if prompt == "first" {
			<-adapter.started
		}
	}

	// Wait until the second session's request is parked behind the first.
	for i := 0; i < 100 && q.Len() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if q.Len() != 1 {
		t.Fatalf("queued requests = %d, want 1", q.Len())
	}

	for _, id := range o.Running() {
		if err := o.Stop(id); err != nil {
			t.Fatalf("Stop(%s): %v", id, err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case s := <-results:
			if !s.Stopped {
				t.Errorf("session %q should be marked stopped", s.Prompt)
			}
			if s.Responses[0].Success {
				t.Errorf("session %q: stopped backend call recorded as success", s.Prompt)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("stopped session never completed")
		}
	}

	if got := adapter.count(); got != 1 {
		t.Errorf("backend executions = %d, want 1 (queued request of a stopped session must not run)", got)
	}
}

func TestStop_CancelsInFlightSession(t *testing.T) {
	blocked := make(chan struct{})
	a := &stubQueue{id: "a", respond: func(ctx context.Context, req backend.Request) (*backend.Response, error) {
		close(blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := New(map[string]Dispatcher{"a": a}, nil)

	type outcome struct {
		session *Session
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := o.Collaborate(context.Background(), "p", []string{"a"}, Options{})
		done <- outcome{s, err}
	}()

	<-blocked
	var id string
	for i := 0; i < 100; i++ {
		if running := o.Running(); len(running) == 1 {
			id = running[0]
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("session never showed up as running")
	}
	if err := o.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Collaborate after stop: %v", res.err)
	}
	if !res.session.Stopped {
		t.Error("session should be marked stopped")
	}
	if res.session.Responses[0].Success {
		t.Error("cancelled backend call should be recorded as failed")
	}

	if err := o.Stop(id); err == nil {
		t.Error("stopping a finished session must report an error")
	}
}
