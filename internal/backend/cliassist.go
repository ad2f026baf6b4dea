package backend

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CLIAssistant wraps a CLI-based reasoning assistant binary. Each
// request spawns one invocation with the prompt as its argument; the
// sequential queue in front of this adapter guarantees two instances
// are never alive against the same working directory.
type CLIAssistant struct {
	id      string
	binary  string
	workDir string
	args    []string // fixed leading args, before the prompt
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ready  bool
}

// NewCLIAssistant creates the CLI-assistant adapter for the given binary.
func NewCLIAssistant(id, binary, workDir string, args []string, logger *slog.Logger) *CLIAssistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIAssistant{id: id, binary: binary, workDir: workDir, args: args, log: logger}
}

// ID returns the backend identifier.
func (a *CLIAssistant) ID() string { return a.id }

// Initialize probes the binary with --version.
func (a *CLIAssistant) Initialize(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, a.binary, "--version").Output()
	if err != nil {
		return &Error{Type: ErrUnavailable, Backend: a.id,
			Message: fmt.Sprintf("%s not available: %v", a.binary, err)}
	}
	a.log.Info("cli assistant available", "backend", a.id, "version", strings.TrimSpace(string(out)))

	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()
	return nil
}

// Execute runs one assistant invocation with the request command as the
// prompt, killing the process if the context expires.
func (a *CLIAssistant) Execute(ctx context.Context, req Request) (*Response, error) {
	a.mu.Lock()
	if !a.ready {
		a.mu.Unlock()
		return nil, &Error{Type: ErrUnavailable, Backend: a.id, Message: "adapter not initialized"}
	}
	procCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
	}()

	start := time.Now()

	args := append(append([]string{}, a.args...), req.Args...)
	args = append(args, req.Command)

	cmd := exec.CommandContext(procCtx, a.binary, args...)
	cmd.Dir = a.workDir
	cmd.WaitDelay = 3 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Type: ErrTimeout, Backend: a.id,
			Message: fmt.Sprintf("assistant killed after deadline (%s)", a.binary)}
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &Error{Type: ErrProcessError, Backend: a.id, Message: msg}
	}

	resp := newResponse(a.id, start)
	resp.Success = true
	resp.Content = strings.TrimSpace(stdout.String())
	return resp, nil
}

// Shutdown kills any in-flight invocation and marks the adapter unusable.
func (a *CLIAssistant) Shutdown(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return nil
}
