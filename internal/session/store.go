// Package session persists autonomous run sessions across daemon
// restarts. A session row is opened when a run starts and closed with
// its outcome, so an operator can see in-flight and historical runs
// with plain sqlite3 queries.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Session is one autonomous run's lifecycle row.
type Session struct {
	RunID       string
	Role        string
	TriggerType string
	Status      string
	Summary     string
	Iterations  int
	TokensUsed  int64
	// History is the final message transcript as JSON, kept so an
	// operator or a future resume path can reconstruct the run.
	History    string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is live
}

// Store records run sessions in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		run_id       TEXT PRIMARY KEY,
		role         TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		status       TEXT NOT NULL,
		summary      TEXT,
		iterations   INTEGER NOT NULL DEFAULT 0,
		tokens_used  INTEGER NOT NULL DEFAULT 0,
		history      TEXT,
		started_at   TEXT NOT NULL,
		finished_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Start opens a session row in the "running" state.
func (s *Store) Start(ctx context.Context, runID, role, triggerType string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (run_id, role, trigger_type, status, started_at)
		 VALUES (?, ?, ?, 'running', ?)`,
		runID, role, triggerType, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Finish closes a session with its outcome. historyJSON may be empty.
// Finishing an unknown run ID is an error.
func (s *Store) Finish(ctx context.Context, runID, status, summary string, iterations int, tokens int64, historyJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, summary = ?, iterations = ?, tokens_used = ?, history = ?, finished_at = ?
		 WHERE run_id = ?`,
		status, summary, iterations, tokens, historyJSON, time.Now().UTC().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s not found", runID)
	}
	return nil
}

// Recent returns the newest sessions, most recently started first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, role, trigger_type, status, COALESCE(summary, ''),
		        iterations, tokens_used, COALESCE(history, ''), started_at, COALESCE(finished_at, '')
		 FROM sessions ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var started, finished string
		if err := rows.Scan(&sess.RunID, &sess.Role, &sess.TriggerType, &sess.Status, &sess.Summary,
			&sess.Iterations, &sess.TokensUsed, &sess.History, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339, started)
		if finished != "" {
			sess.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkInterrupted closes any sessions still in the "running" state.
// Called at daemon startup: a running row at that point means the
// previous process died mid-run.
func (s *Store) MarkInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'interrupted', finished_at = ?
		 WHERE status = 'running'`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
