// Package confirm provides the user-facing confirmation prompts the
// permission engine blocks on. Both implementations treat any dismissal as
// a denial.
package confirm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/castellan-ai/castellan/internal/security"
)

// Terminal asks y/N on an interactive terminal. A non-interactive stdin, a
// raw-mode failure, or anything other than an explicit "y" is a denial.
type Terminal struct {
	in     *os.File
	out    io.Writer
	logger *slog.Logger

	// One reader goroutine for the Terminal's whole life. A per-prompt
	// reader would stay blocked in Read after a cancelled prompt and eat
	// the first byte meant for the next one.
	readerOnce sync.Once
	keys       chan byte
}

// NewTerminal builds a terminal confirmer reading from in and writing the
// prompt to out. Pass os.Stdin/os.Stderr in production.
func NewTerminal(in *os.File, out io.Writer, logger *slog.Logger) *Terminal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminal{in: in, out: out, logger: logger, keys: make(chan byte, 1)}
}

// startReader launches the shared input reader. It closes the key channel
// when the input errors out, which every waiting prompt treats as a denial.
func (t *Terminal) startReader() {
	t.readerOnce.Do(func() {
		go func() {
			buf := make([]byte, 1)
			for {
				n, err := t.in.Read(buf)
				if n > 0 {
					t.keys <- buf[0]
				}
				if err != nil {
					close(t.keys)
					return
				}
			}
		}()
	})
}

func (t *Terminal) Confirm(ctx context.Context, prompt security.ConfirmationPrompt) bool {
	fd := int(t.in.Fd())
	if !isatty.IsTerminal(uintptr(fd)) && !isatty.IsCygwinTerminal(uintptr(fd)) {
		t.logger.Warn("no interactive terminal, denying confirmation",
			"tool", prompt.ToolKey, "agent", prompt.AgentName)
		return false
	}

	fmt.Fprintf(t.out, "Allow agent %q to run %s (%s risk)? [y/N] ",
		prompt.AgentName, prompt.ToolKey, prompt.Risk)
	if prompt.Context != "" {
		fmt.Fprintf(t.out, "\n  %s\n> ", prompt.Context)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		t.logger.Warn("raw mode unavailable, denying confirmation", "error", err)
		fmt.Fprintln(t.out)
		return false
	}
	defer term.Restore(fd, oldState)

	b, ok := t.awaitKey(ctx)
	if !ok {
		fmt.Fprint(t.out, "\r\n")
		return false
	}
	fmt.Fprintf(t.out, "%c\r\n", b)
	return b == 'y' || b == 'Y'
}

// awaitKey waits for the next key pressed after the call, or reports false
// on cancellation or input exhaustion.
func (t *Terminal) awaitKey(ctx context.Context) (byte, bool) {
	t.startReader()

	// Bytes typed while no prompt was waiting answer nothing.
drain:
	for {
		select {
		case _, ok := <-t.keys:
			if !ok {
				return 0, false
			}
		default:
			break drain
		}
	}

	select {
	case b, ok := <-t.keys:
		return b, ok
	case <-ctx.Done():
		return 0, false
	}
}
