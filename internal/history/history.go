// Package history persists finished collaboration sessions to SQLite so the
// UI can browse past discussions. It stores conversational content only; the
// encrypted audit log remains the system of record for security events.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/castellan-ai/castellan/internal/orchestrator"
)

// SessionSummary is the browsable header of a stored session.
type SessionSummary struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	Stopped     bool      `json:"stopped"`
	Backends    int       `json:"backends"`
	Entries     int       `json:"entries"`
}

// timeLayout keeps a fixed-width fraction so UTC timestamps stored as TEXT
// sort chronologically under SQLite's lexicographic ORDER BY. RFC3339Nano
// drops trailing zeros and breaks that within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

// New opens (or creates) the history database at the given path.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			prompt       TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			stopped      INTEGER DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS responses (
			session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			backend          TEXT NOT NULL,
			content          TEXT NOT NULL,
			success          INTEGER NOT NULL,
			error            TEXT DEFAULT '',
			response_time_ms INTEGER DEFAULT 0
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create responses table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS discussion (
			session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			round         INTEGER NOT NULL,
			responder     TEXT NOT NULL,
			responding_to TEXT NOT NULL,
			content       TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create discussion table: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveSession stores a finished session with its responses and transcript
// in one transaction.
func (s *Store) SaveSession(ctx context.Context, sess *orchestrator.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, prompt, started_at, completed_at, stopped) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Prompt,
		sess.StartedAt.UTC().Format(timeLayout),
		sess.CompletedAt.UTC().Format(timeLayout),
		boolToInt(sess.Stopped),
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, r := range sess.Responses {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO responses (session_id, backend, content, success, error, response_time_ms) VALUES (?, ?, ?, ?, ?, ?)`,
			sess.ID, r.Backend, r.Content, boolToInt(r.Success), r.Error, r.ResponseTimeMs,
		); err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
	}

	for _, e := range sess.Discussion {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discussion (session_id, round, responder, responding_to, content) VALUES (?, ?, ?, ?, ?)`,
			sess.ID, e.Round, e.Responder, joinIDs(e.RespondingTo), e.Content,
		); err != nil {
			return fmt.Errorf("insert discussion entry: %w", err)
		}
	}

	return tx.Commit()
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.prompt, s.started_at, s.completed_at, s.stopped,
		       (SELECT COUNT(*) FROM responses r WHERE r.session_id = s.id),
		       (SELECT COUNT(*) FROM discussion d WHERE d.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sm SessionSummary
		var started, completed string
		var stopped int
		if err := rows.Scan(&sm.ID, &sm.Prompt, &started, &completed, &stopped, &sm.Backends, &sm.Entries); err != nil {
			return nil, err
		}
		sm.StartedAt, _ = time.Parse(timeLayout, started)
		sm.CompletedAt, _ = time.Parse(timeLayout, completed)
		sm.Stopped = stopped != 0
		out = append(out, sm)
	}
	return out, rows.Err()
}

// GetSession reconstructs one stored session, or nil if unknown.
func (s *Store) GetSession(ctx context.Context, id string) (*orchestrator.Session, error) {
	sess := &orchestrator.Session{ID: id}
	var started, completed string
	var stopped int
	err := s.db.QueryRowContext(ctx,
		`SELECT prompt, started_at, completed_at, stopped FROM sessions WHERE id = ?`, id,
	).Scan(&sess.Prompt, &started, &completed, &stopped)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.StartedAt, _ = time.Parse(timeLayout, started)
	sess.CompletedAt, _ = time.Parse(timeLayout, completed)
	sess.Stopped = stopped != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, content, success, error, response_time_ms FROM responses WHERE session_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var r orchestrator.ProviderResponse
		var success int
		if err := rows.Scan(&r.Backend, &r.Content, &success, &r.Error, &r.ResponseTimeMs); err != nil {
			return nil, err
		}
		r.Success = success != 0
		sess.Responses = append(sess.Responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	drows, err := s.db.QueryContext(ctx,
		`SELECT round, responder, responding_to, content FROM discussion WHERE session_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	defer drows.Close()
	for drows.Next() {
		var e orchestrator.DiscussionEntry
		var respondingTo string
		if err := drows.Scan(&e.Round, &e.Responder, &respondingTo, &e.Content); err != nil {
			return nil, err
		}
		e.RespondingTo = splitIDs(respondingTo)
		sess.Discussion = append(sess.Discussion, e)
	}
	return sess, drows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
