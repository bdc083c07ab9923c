// Package memory persists episodic run records: what the agent was
// asked, what it did, and how it ended. Past runs are retrievable by
// the agent itself through the recall tool.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vladkesler/agentd/internal/llm"
	"github.com/vladkesler/agentd/internal/tools"
)

// Record is one completed run.
type Record struct {
	ID          string
	RunID       string
	TriggerType string
	Prompt      string
	Output      string
	Status      string
	Summary     string
	TokensUsed  int64
	Iterations  int
	CreatedAt   time.Time
}

// Store is an append-only SQLite store of run records. Safe for
// concurrent use; SQLite serializes writes.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the episodic store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_records (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		prompt       TEXT NOT NULL,
		output       TEXT,
		status       TEXT NOT NULL,
		summary      TEXT,
		tokens_used  INTEGER NOT NULL,
		iterations   INTEGER NOT NULL,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_run_records_created ON run_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_run_records_trigger ON run_records(trigger_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists one record. A missing ID gets a UUIDv7, a zero
// timestamp gets now.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records
			(id, run_id, trigger_type, prompt, output, status, summary, tokens_used, iterations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RunID,
		rec.TriggerType,
		rec.Prompt,
		rec.Output,
		rec.Status,
		rec.Summary,
		rec.TokensUsed,
		rec.Iterations,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, trigger_type, prompt, output, status, summary, tokens_used, iterations, created_at
		 FROM run_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.TriggerType, &rec.Prompt, &rec.Output,
			&rec.Status, &rec.Summary, &rec.TokensUsed, &rec.Iterations, &created); err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecallTool exposes the store to the model so it can consult its own
// history before repeating work.
func RecallTool(s *Store) llm.Tool {
	return llm.Tool{
		Name:        "recall_recent_runs",
		Description: "Look up your most recent runs: what triggered them, what you did, and how they ended. Use this to avoid repeating work or to pick up where a previous run left off.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "How many runs to return (default 5, max 20)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			limit, ok := tools.IntArg(args, "limit")
			if !ok || limit <= 0 {
				limit = 5
			}
			if limit > 20 {
				limit = 20
			}

			records, err := s.Recent(ctx, limit)
			if err != nil {
				return "", fmt.Errorf("recall runs: %w", err)
			}
			if len(records) == 0 {
				return "No previous runs recorded.", nil
			}

			var b strings.Builder
			for _, rec := range records {
				fmt.Fprintf(&b, "[%s] %s run %s (%s): %s\n",
					rec.CreatedAt.Format(time.RFC3339),
					rec.TriggerType,
					rec.RunID,
					rec.Status,
					firstLine(rec.Summary, rec.Output, rec.Prompt),
				)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

// firstLine picks the first non-empty candidate and truncates it to a
// single line.
func firstLine(candidates ...string) string {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if idx := strings.IndexByte(c, '\n'); idx >= 0 {
			c = c[:idx]
		}
		if len(c) > 200 {
			c = c[:200] + "..."
		}
		return c
	}
	return "(no output)"
}
