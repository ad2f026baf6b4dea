// Package audit implements the append-only encrypted audit trail. Each
// entry is sealed individually and written as one base64 line; records
// are never rewritten in place.
package audit

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/castellan-ai/castellan/internal/secrets"
)

// Log writes audit entries to an encrypted newline-delimited file.
// Thread-safe: appends from concurrent operations serialize on a single
// writer lock so records never interleave.
type Log struct {
	mu   sync.Mutex
	w    io.Writer
	box  *secrets.Box
	log  *slog.Logger
	path string
	now  func() time.Time // injectable clock for testing
}

// NewLog creates an audit log appending to the given writer.
func NewLog(w io.Writer, box *secrets.Box, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{w: w, box: box, log: logger, now: time.Now}
}

// NewFileLog creates an audit log appending to the file at path,
// creating the file and parent directories if needed.
func NewFileLog(path string, box *secrets.Box, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	l := NewLog(f, box, logger)
	l.path = path
	return l, nil
}

// Append seals and writes one entry. The timestamp is stamped here so
// callers cannot predate records.
func (l *Log) Append(e Entry) error {
	e.Timestamp = l.now()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	sealed, err := l.box.Seal(data)
	if err != nil {
		return fmt.Errorf("seal audit entry: %w", err)
	}

	line := make([]byte, base64.StdEncoding.EncodedLen(len(sealed))+1)
	base64.StdEncoding.Encode(line, sealed)
	line[len(line)-1] = '\n'

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Record appends an entry and, if the write fails, emits a critical
// fallback record to the process log instead of failing the caller.
// Audit-write failures must never be silent and must never sink the
// operation that triggered them.
func (l *Log) Record(e Entry) {
	if err := l.Append(e); err != nil {
		l.log.Error("audit write failed",
			"severity", string(SeverityCritical),
			"action", string(e.Action),
			"agent_id", e.AgentID,
			"tool", e.ToolUsed,
			"error", err,
		)
	}
}

// Read returns the most recent limit entries, most-recent-first. A
// limit <= 0 returns all entries. Undecryptable lines are skipped: a
// partially damaged trail still yields every intact record.
func (l *Log) Read(limit int) ([]Entry, error) {
	if l.path == "" {
		return nil, fmt.Errorf("audit log is not file-backed")
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no trail yet
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sealed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
		n, err := base64.StdEncoding.Decode(sealed, line)
		if err != nil {
			continue
		}
		data, err := l.box.Open(sealed[:n])
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read audit log: %w", err)
	}

	// Most-recent-first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Close closes the underlying file when the log is file-backed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
