// Package audit keeps a local per-turn trail of every assessment in SQLite.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"symptom-triage/internal/consultation"
)

// Store writes turn records to a SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the audit database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running audit migrations: %w", err)
	}
	return s, nil
}

// OpenMemory creates an in-memory store for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory audit database: %w", err)
	}
	// Every pooled connection would get its own empty database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: ":memory:"}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running audit migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    question_id TEXT NOT NULL DEFAULT '',
    intent TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    occurred_at DATETIME NOT NULL,
    recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
CREATE INDEX IF NOT EXISTS idx_turns_intent ON turns(intent);
`

// Record appends one turn for the session.
func (s *Store) Record(ctx context.Context, sessionID uuid.UUID, turn consultation.TurnMeta) error {
	at := turn.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, question_id, intent, outcome, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID.String(), turn.QuestionID, turn.Intent, turn.Outcome, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	return nil
}

// BySession returns the session's turns in recording order.
func (s *Store) BySession(ctx context.Context, sessionID uuid.UUID) ([]consultation.TurnMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, intent, outcome, occurred_at FROM turns WHERE session_id = ? ORDER BY id`,
		sessionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var out []consultation.TurnMeta
	for rows.Next() {
		var t consultation.TurnMeta
		if err := rows.Scan(&t.QuestionID, &t.Intent, &t.Outcome, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// IntentCounts tallies recorded turns by intent across all sessions.
func (s *Store) IntentCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT intent, COUNT(*) FROM turns GROUP BY intent`)
	if err != nil {
		return nil, fmt.Errorf("counting intents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var intent string
		var n int
		if err := rows.Scan(&intent, &n); err != nil {
			return nil, err
		}
		out[intent] = n
	}
	return out, rows.Err()
}
