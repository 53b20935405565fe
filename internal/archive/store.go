package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists Records. It takes an open *sql.DB so callers pick the
// driver.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			origin TEXT NOT NULL,
			request TEXT NOT NULL,
			outcome TEXT NOT NULL,
			answer TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			tool_calls INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			turns_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_started
			ON conversations(started_at);
	`)
	return err
}

// Save stores rec, replacing any record with the same ID.
func (s *Store) Save(ctx context.Context, rec Record) error {
	turns, err := json.Marshal(rec.Turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations
			(id, origin, request, outcome, answer, error, tool_calls, started_at, elapsed_ms, turns_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Origin, rec.Request, rec.Outcome, rec.Answer, rec.Error, rec.ToolCalls,
		rec.Started.UTC().Format(time.RFC3339Nano), rec.Elapsed.Milliseconds(), string(turns))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to n records, newest first, without turns.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin, request, outcome, answer, error, tool_calls, started_at, elapsed_ms
		FROM conversations
		ORDER BY started_at DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			started string
			ms      int64
		)
		if err := rows.Scan(&rec.ID, &rec.Origin, &rec.Request, &rec.Outcome, &rec.Answer,
			&rec.Error, &rec.ToolCalls, &started, &ms); err != nil {
			return nil, err
		}
		rec.Started, _ = time.Parse(time.RFC3339Nano, started)
		rec.Elapsed = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns one record with its turns, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var (
		rec     Record
		started string
		ms      int64
		turns   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, origin, request, outcome, answer, error, tool_calls, started_at, elapsed_ms, turns_json
		FROM conversations
		WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Origin, &rec.Request, &rec.Outcome, &rec.Answer,
		&rec.Error, &rec.ToolCalls, &started, &ms, &turns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Started, _ = time.Parse(time.RFC3339Nano, started)
	rec.Elapsed = time.Duration(ms) * time.Millisecond
	if err := json.Unmarshal([]byte(turns), &rec.Turns); err != nil {
		return nil, fmt.Errorf("decode turns of %s: %w", id, err)
	}
	return &rec, nil
}
