// Package queue serializes requests to a single backend. Each backend gets
// its own queue; within a queue exactly one request is in flight at a time,
// ordered by priority and then by arrival.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/internal/backend"
)

// ErrShutdown is returned for every pending and in-flight request when the
// queue is shut down.
var ErrShutdown = errors.New("queue shut down")

const (
	// DefaultTimeout bounds a request that did not ask for its own deadline.
	DefaultTimeout = 2 * time.Minute

	// defaultPause is the breathing room between consecutive dequeues so a
	// full queue cannot monopolize the process.
	defaultPause = 50 * time.Millisecond
)

// Result carries the outcome of a queued request back to its submitter.
type Result struct {
	Response *backend.Response
	Err      error
}

type item struct {
	ctx      context.Context
	req      backend.Request
	priority int
	timeout  time.Duration
	seq      uint64
	queuedAt time.Time
	done     chan Result
}

// pqueue orders items by priority (higher first), breaking ties by arrival
// sequence so equal-priority requests stay FIFO.
type pqueue []*item

func (p pqueue) Len() int { return len(p) }

func (p pqueue) Less(i, j int) bool {
	if p[i].priority != p[j].priority {
		return p[i].priority > p[j].priority
	}
	return p[i].seq < p[j].seq
}

func (p pqueue) Swap(i, j int) { p[i], p[j] = p[j], p[i] }

func (p *pqueue) Push(x any) { *p = append(*p, x.(*item)) }

func (p *pqueue) Pop() any {
	old := *p
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*p = old[:n-1]
	return it
}

// Queue feeds one backend adapter from a priority-ordered buffer.
type Queue struct {
	adapter backend.Adapter
	logger  *slog.Logger
	pause   time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	items    pqueue
	seq      uint64
	closed   bool
	inflight context.CancelFunc

	wg sync.WaitGroup
}

// Option adjusts queue construction.
type Option func(*Queue)

// WithPause overrides the delay between consecutive dequeues.
func WithPause(d time.Duration) Option {
	return func(q *Queue) { q.pause = d }
}

// WithLogger sets the queue's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New builds a queue for the given adapter. Call Start to begin consuming.
func New(adapter backend.Adapter, opts ...Option) *Queue {
	q := &Queue{
		adapter: adapter,
		logger:  slog.Default(),
		pause:   defaultPause,
	}
	for _, o := range opts {
		o(q)
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit places a request on the queue and returns a channel that receives
// exactly one Result. Priority is higher-runs-sooner; timeoutMs <= 0 falls
// back to DefaultTimeout. ctx covers the request's whole life on the queue:
// cancelling it rejects the request if it is still waiting and aborts the
// backend call if it is already running.
func (q *Queue) Submit(ctx context.Context, req backend.Request, priority int, timeoutMs int) (<-chan Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := DefaultTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	it := &item{
		ctx:      ctx,
		req:      req,
		priority: priority,
		timeout:  timeout,
		queuedAt: time.Now(),
		done:     make(chan Result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrShutdown
	}
	it.seq = q.seq
	q.seq++
	heap.Push(&q.items, it)
	q.cond.Signal()
	q.mu.Unlock()

	return it.done, nil
}

// Do submits a request and blocks until it completes, the queue shuts down,
// or ctx is cancelled.
func (q *Queue) Do(ctx context.Context, req backend.Request, priority int, timeoutMs int) (*backend.Response, error) {
	done, err := q.Submit(ctx, req, priority, timeoutMs)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start launches the consumer goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.consume()
}

func (q *Queue) consume() {
	defer q.wg.Done()
	for {
		it, ok := q.next()
		if !ok {
			return
		}
		// A request whose submitter gave up while it waited is rejected
		// without touching the backend.
		if err := it.ctx.Err(); err != nil {
			it.done <- Result{Err: err}
			continue
		}
		q.execute(it)
		if q.pause > 0 {
			time.Sleep(q.pause)
		}
	}
}

// next blocks until an item is available or the queue is closed.
func (q *Queue) next() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	return heap.Pop(&q.items).(*item), true
}

func (q *Queue) execute(it *item) {
	ctx, cancel := context.WithTimeout(it.ctx, it.timeout)
	defer cancel()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.done <- Result{Err: ErrShutdown}
		return
	}
	q.inflight = cancel
	q.mu.Unlock()

	start := time.Now()
	resp, err := q.adapter.Execute(ctx, it.req)

	q.mu.Lock()
	q.inflight = nil
	closed := q.closed
	q.mu.Unlock()

	switch {
	case closed && err != nil:
		err = ErrShutdown
	case err != nil && it.ctx.Err() != nil:
		// The submitter cancelled while the call was running; report the
		// cancellation, not the backend's view of the aborted call.
		err = it.ctx.Err()
	case err != nil && ctx.Err() == context.DeadlineExceeded && !backend.IsType(err, backend.ErrTimeout):
		err = &backend.Error{
			Type:    backend.ErrTimeout,
			Backend: q.adapter.ID(),
			Message: "request exceeded its deadline",
		}
	}

	if err != nil {
		q.logger.Warn("queued request failed",
			"backend", q.adapter.ID(),
			"request", it.req.ID,
			"waited", time.Since(it.queuedAt).Round(time.Millisecond).String(),
			"ran", time.Since(start).Round(time.Millisecond).String(),
			"error", err)
	}
	it.done <- Result{Response: resp, Err: err}
}

// Shutdown stops the consumer, cancels any in-flight backend call, and
// rejects every pending request with ErrShutdown.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	if q.inflight != nil {
		q.inflight()
	}
	rejected := make([]*item, len(q.items))
	copy(rejected, q.items)
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, it := range rejected {
		it.done <- Result{Err: ErrShutdown}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of requests waiting, excluding any in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
