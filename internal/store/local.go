// Package store persists session and run bookkeeping in SQLite so a
// restarted server can still answer questions about earlier sessions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"humanbrowse/internal/logging"

	_ "modernc.org/sqlite"
)

// LocalStore is a SQLite-backed session journal.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// SessionRecord is the persisted view of a session.
type SessionRecord struct {
	ID                     string
	Status                 string
	CreatedAt              time.Time
	LastActive             time.Time
	LastRunID              string
	ManualAssistMessage    string
	ManualAssistScreenshot string
	ManualAssistRunID      string
}

// RunRecord indexes a run under its session.
type RunRecord struct {
	RunID      string
	SessionID  string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; modernc serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("session journal opened at %s", path)
	return s, nil
}

func (s *LocalStore) initialize() error {
	sessionTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_active TEXT NOT NULL,
		last_run_id TEXT NOT NULL DEFAULT '',
		manual_assist_message TEXT NOT NULL DEFAULT '',
		manual_assist_screenshot TEXT NOT NULL DEFAULT '',
		manual_assist_run_id TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`

	runTable := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id);
	`

	for _, table := range []string{sessionTable, runTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *LocalStore) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveSession inserts or replaces a session row.
func (s *LocalStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, created_at, last_active, last_run_id,
			manual_assist_message, manual_assist_screenshot, manual_assist_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_active = excluded.last_active,
			last_run_id = excluded.last_run_id,
			manual_assist_message = excluded.manual_assist_message,
			manual_assist_screenshot = excluded.manual_assist_screenshot,
			manual_assist_run_id = excluded.manual_assist_run_id`,
		rec.ID, rec.Status, formatTime(rec.CreatedAt), formatTime(rec.LastActive), rec.LastRunID,
		rec.ManualAssistMessage, rec.ManualAssistScreenshot, rec.ManualAssistRunID,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save session %s: %v", rec.ID, err)
		return fmt.Errorf("save session: %w", err)
	}
	logging.StoreDebug("saved session %s (%s)", rec.ID, rec.Status)
	return nil
}

const sessionColumns = `id, status, created_at, last_active, last_run_id,
	manual_assist_message, manual_assist_screenshot, manual_assist_run_id`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var rec SessionRecord
	var created, active string
	err := row.Scan(&rec.ID, &rec.Status, &created, &active, &rec.LastRunID,
		&rec.ManualAssistMessage, &rec.ManualAssistScreenshot, &rec.ManualAssistRunID)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.CreatedAt = parseTime(created)
	rec.LastActive = parseTime(active)
	return rec, nil
}

// GetSession loads one session. The bool is false when the id is unknown.
func (s *LocalStore) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, fmt.Errorf("get session: %w", err)
	}
	return rec, true, nil
}

// ListSessions returns all sessions, most recently active first.
func (s *LocalStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY last_active DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CloseOrphanedSessions marks every non-closed session closed. Pages do not
// survive a restart, so this runs once at startup.
func (s *LocalStore) CloseOrphanedSessions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'closed', last_active = ? WHERE status != 'closed'`,
		formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("close orphaned sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("closed %d orphaned sessions", n)
	}
	return n, nil
}

// SaveRun inserts or updates a run index row.
func (s *LocalStore) SaveRun(ctx context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finished interface{}
	if rec.FinishedAt != nil {
		finished = formatTime(*rec.FinishedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, status, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at`,
		rec.RunID, rec.SessionID, rec.Status, formatTime(rec.StartedAt), finished,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// RunsForSession returns a session's runs, newest first.
func (s *LocalStore) RunsForSession(ctx context.Context, sessionID string) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, session_id, status, started_at, finished_at FROM runs
		 WHERE session_id = ? ORDER BY started_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started string
		var finished sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.SessionID, &rec.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rec.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			rec.FinishedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
