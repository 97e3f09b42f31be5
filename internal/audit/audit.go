// Package audit keeps a durable sqlite record of terminal task outcomes and
// authorization decisions.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	task TEXT NOT NULL,
	state TEXT NOT NULL,
	kind TEXT,
	steps INTEGER NOT NULL,
	message TEXT,
	session_path TEXT,
	finished_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS auth_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	chat_id INTEGER NOT NULL,
	capability TEXT NOT NULL,
	status TEXT NOT NULL,
	actor TEXT,
	note TEXT,
	decided_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_results_chat ON task_results(chat_id, finished_at);
CREATE INDEX IF NOT EXISTS idx_auth_decisions_request ON auth_decisions(request_id);
`

// Store wraps the audit database.
type Store struct {
	db *sql.DB
}

// Open creates the database and schema. sqlite handles one writer, so the
// pool is pinned to a single connection.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// TaskResult is one terminal task outcome.
type TaskResult struct {
	TaskID      string
	ChatID      int64
	Task        string
	State       string
	Kind        string
	Steps       int
	Message     string
	SessionPath string
	FinishedAt  time.Time
}

// RecordTask persists a terminal task outcome.
func (s *Store) RecordTask(ctx context.Context, r TaskResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, chat_id, task, state, kind, steps, message, session_path, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.ChatID, r.Task, r.State, r.Kind, r.Steps, r.Message, r.SessionPath,
		r.FinishedAt.UTC().Format(time.RFC3339))
	return err
}

// AuthDecision is one settled authorization request.
type AuthDecision struct {
	RequestID  string
	ChatID     int64
	Capability string
	Status     string
	Actor      string
	Note       string
	DecidedAt  time.Time
}

// RecordAuth persists an authorization decision.
func (s *Store) RecordAuth(ctx context.Context, d AuthDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_decisions (request_id, chat_id, capability, status, actor, note, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RequestID, d.ChatID, d.Capability, d.Status, d.Actor, d.Note,
		d.DecidedAt.UTC().Format(time.RFC3339))
	return err
}

// RecentTasks returns the latest n task outcomes, newest first.
func (s *Store) RecentTasks(ctx context.Context, n int) ([]TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, chat_id, task, state, COALESCE(kind,''), steps,
		       COALESCE(message,''), COALESCE(session_path,''), finished_at
		FROM task_results ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskResult
	for rows.Next() {
		var r TaskResult
		var finished string
		if err := rows.Scan(&r.TaskID, &r.ChatID, &r.Task, &r.State, &r.Kind,
			&r.Steps, &r.Message, &r.SessionPath, &finished); err != nil {
			return nil, err
		}
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}
