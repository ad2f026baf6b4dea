// Package lifecycle manages graceful shutdown for the castellan process:
// signal interception, context cancellation, and ordered teardown of the
// queues, the confirmation hub, and the audit log.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownConfig configures the shutdown behavior.
type ShutdownConfig struct {
	GracePeriod  time.Duration // time to wait for hooks before giving up
	ForceTimeout time.Duration // max time before exit regardless
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		GracePeriod:  10 * time.Second,
		ForceTimeout: 15 * time.Second,
	}
}

// Manager coordinates process shutdown.
type Manager struct {
	config   ShutdownConfig
	logger   *slog.Logger
	cancel   context.CancelFunc
	mu       sync.Mutex
	hooks    []ShutdownHook
	started  time.Time
	shutdown bool
}

// ShutdownHook is called during graceful shutdown. Name is for logging.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// NewManager creates a lifecycle manager.
func NewManager(config ShutdownConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  config,
		logger:  logger,
		started: time.Now(),
	}
}

// OnShutdown registers a hook to run during graceful shutdown.
// Hooks run in reverse registration order, like defers: register a resource
// right after constructing it and teardown mirrors construction. The audit
// log is built first and so closes last, after everything that might still
// record into it.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, ShutdownHook{Name: name, Fn: fn})
}

// snapshotHooks copies the registered hooks in execution (reverse) order.
func (m *Manager) snapshotHooks() []ShutdownHook {
	m.mu.Lock()
	defer m.mu.Unlock()
	hooks := make([]ShutdownHook, len(m.hooks))
	for i, h := range m.hooks {
		hooks[len(m.hooks)-1-i] = h
	}
	return hooks
}

// Run starts the process lifecycle: installs signal handlers, runs the
// main function, and handles shutdown. Returns the exit code.
func (m *Manager) Run(mainFn func(ctx context.Context) error) int {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- mainFn(ctx)
	}()

	select {
	case sig := <-sigCh:
		m.logger.Info("received signal, starting graceful shutdown",
			"signal", sig.String(),
			"uptime", time.Since(m.started).String(),
		)
		return m.gracefulShutdown()

	case err := <-errCh:
		if err != nil {
			m.logger.Error("main function error", "error", err)
			m.runHooksQuick()
			return 1
		}
		m.runHooksQuick()
		return 0
	}
}

// gracefulShutdown cancels the root context and runs hooks with a deadline.
func (m *Manager) gracefulShutdown() int {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return 1
	}
	m.shutdown = true
	m.mu.Unlock()
	hooks := m.snapshotHooks()

	// Cancel root context — all goroutines should start winding down
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.GracePeriod)
	defer cancel()

	for _, hook := range hooks {
		m.logger.Info("running shutdown hook", "name", hook.Name)
		if err := hook.Fn(ctx); err != nil {
			m.logger.Error("shutdown hook failed", "name", hook.Name, "error", err)
		}
	}

	m.logger.Info("graceful shutdown complete",
		"uptime", time.Since(m.started).String(),
	)
	return 0
}

// runHooksQuick runs hooks with a short timeout (for normal exit).
func (m *Manager) runHooksQuick() {
	hooks := m.snapshotHooks()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, hook := range hooks {
		hook.Fn(ctx)
	}
}

// Uptime returns how long the process has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.started)
}
