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

// CommandExecutor runs desktop commands as spawned processes. Process
// supervision — spawn, output capture, kill-on-timeout — lives entirely
// here; the queue never touches a process handle.
type CommandExecutor struct {
	id      string
	workDir string
	shell   string
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the in-flight process, if any
	ready  bool
}

// NewCommandExecutor creates the command-executor adapter. Commands run
// with workDir as their working directory.
func NewCommandExecutor(id, workDir string, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{id: id, workDir: workDir, shell: "/bin/sh", log: logger}
}

// ID returns the backend identifier.
func (c *CommandExecutor) ID() string { return c.id }

// Initialize checks that the shell is present.
func (c *CommandExecutor) Initialize(ctx context.Context) error {
	if err := exec.CommandContext(ctx, c.shell, "-c", "true").Run(); err != nil {
		return &Error{Type: ErrUnavailable, Backend: c.id,
			Message: fmt.Sprintf("shell %s unusable: %v", c.shell, err)}
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Execute spawns one process for the request command. The context bounds
// the process lifetime: on cancellation or deadline the process is
// killed, never abandoned.
func (c *CommandExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return nil, &Error{Type: ErrUnavailable, Backend: c.id, Message: "adapter not initialized"}
	}
	procCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	start := time.Now()

	cmd := exec.CommandContext(procCtx, c.shell, "-c", req.Command)
	cmd.Dir = c.workDir
	cmd.WaitDelay = 3 * time.Second // escalate to SIGKILL if the process ignores the cancel

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &Error{Type: ErrTimeout, Backend: c.id,
			Message: fmt.Sprintf("command killed after deadline: %s", req.Command)}
	}

	resp := newResponse(c.id, start)
	resp.Content = strings.TrimSpace(stdout.String())
	resp.Metadata = map[string]any{"stderr": strings.TrimSpace(stderr.String())}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			resp.Err = fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
			resp.Metadata["exitCode"] = exitErr.ExitCode()
			return resp, &Error{Type: ErrProcessError, Backend: c.id, Message: resp.Err}
		}
		return nil, &Error{Type: ErrProcessError, Backend: c.id, Message: err.Error()}
	}

	resp.Success = true
	resp.Metadata["exitCode"] = 0
	return resp, nil
}

// Shutdown kills any in-flight process and marks the adapter unusable.
func (c *CommandExecutor) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}
