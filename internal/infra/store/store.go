// Package store keeps an audit trail of terminal requests in SQLite.
// Uses WAL mode for concurrent reads and crash-safe writes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/inferno-ai/inferno/internal/domain"
)

// Store wraps a SQLite connection with WAL mode and migrations.
type Store struct {
	db *sql.DB
}

// CompletionRecord is one terminal request.
type CompletionRecord struct {
	RequestID     string          `json:"request_id"`
	UserID        string          `json:"user_id"`
	ModelID       string          `json:"model_id"`
	Priority      domain.Priority `json:"priority"`
	Outcome       string          `json:"outcome"` // completed | failed | cancelled
	Error         string          `json:"error,omitempty"`
	TokensOut     uint32          `json:"tokens_out"`
	CreatedAtMS   int64           `json:"created_at"`
	CompletedAtMS int64           `json:"completed_at"`
}

// Open creates or opens the database at dir/requests.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := filepath.Join(dir, "requests.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS completions (
		request_id   TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		model_id     TEXT NOT NULL,
		priority     INTEGER NOT NULL,
		outcome      TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		tokens_out   INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		completed_at INTEGER NOT NULL
	)`)
	return err
}

// RecordCompletion inserts or replaces one terminal request.
func (s *Store) RecordCompletion(rec CompletionRecord) error {
	if rec.CompletedAtMS == 0 {
		rec.CompletedAtMS = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO completions
		 (request_id, user_id, model_id, priority, outcome, error, tokens_out, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.UserID, rec.ModelID, int(rec.Priority), rec.Outcome,
		rec.Error, rec.TokensOut, rec.CreatedAtMS, rec.CompletedAtMS,
	)
	return err
}

// Recent returns the latest n terminal requests, newest first.
func (s *Store) Recent(n int) ([]CompletionRecord, error) {
	rows, err := s.db.Query(
		`SELECT request_id, user_id, model_id, priority, outcome, error, tokens_out, created_at, completed_at
		 FROM completions ORDER BY completed_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CompletionRecord
	for rows.Next() {
		var rec CompletionRecord
		var priority int
		if err := rows.Scan(&rec.RequestID, &rec.UserID, &rec.ModelID, &priority,
			&rec.Outcome, &rec.Error, &rec.TokensOut, &rec.CreatedAtMS, &rec.CompletedAtMS); err != nil {
			return nil, err
		}
		rec.Priority = domain.Priority(priority)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByOutcome returns terminal counts grouped by outcome.
func (s *Store) CountByOutcome() (map[string]uint64, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM completions GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var outcome string
		var count uint64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		out[outcome] = count
	}
	return out, rows.Err()
}

// Close shuts the database down.
func (s *Store) Close() error {
	return s.db.Close()
}
