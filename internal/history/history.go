// Package history persists executed inputs across kernel sessions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/guysv/ilua/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS history (
  session INTEGER,
  line    INTEGER,
  source  TEXT,
  PRIMARY KEY (session, line)
);`,
}

// Entry is one stored input.
type Entry struct {
	Session int64
	Line    int64
	Source  string
}

// Store appends inputs under a session number one above the highest already
// stored.
type Store struct {
	db      *sql.DB
	session int64
	mu      sync.Mutex
}

// Open opens the database at path and allocates this process's session.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := storage.OpenSQLite(ctx, path, schema...)
	if err != nil {
		return nil, err
	}
	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT max(session) FROM history;`).Scan(&last); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read last session: %w", err)
	}
	return &Store{db: db, session: last.Int64 + 1}, nil
}

// Session returns the session number used for appends.
func (s *Store) Session() int64 { return s.session }

// Append stores source as line of the current session.
func (s *Store) Append(ctx context.Context, source string, line int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (session, line, source) VALUES (?, ?, ?);`,
		s.session, line, source)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Tail returns the last n entries across all sessions, oldest first.
func (s *Store) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT session, line, source FROM (
  SELECT session, line, source FROM history
  ORDER BY session DESC, line DESC
  LIMIT ?
) ORDER BY session, line;`, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Session, &e.Line, &e.Source); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }
