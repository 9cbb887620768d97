// Package archive records completed exchanges in SQLite.
//
// The archive is write-only from the relay's point of view: transcripts are
// never rebuilt from it, so a reconnecting client always starts fresh.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Outcome of one exchange
const (
	OutcomeReply = "reply"
	OutcomeError = "error"
)

// Exchange is one user message and what the relay answered
type Exchange struct {
	ConnID    string
	Seq       int
	UserText  string
	Outcome   string
	Response  string // Reply text or failure reason
	Backend   string
	Duration  time.Duration
	Timestamp time.Time
}

// Store writes exchanges to a SQLite database
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createConnectionsTable := `
	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		opened_at DATETIME,
		closed_at DATETIME
	);`

	createExchangesTable := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conn_id TEXT,
		seq INTEGER,
		user_text TEXT,
		outcome TEXT,
		response TEXT,
		backend TEXT,
		duration_ms INTEGER,
		timestamp DATETIME,
		FOREIGN KEY(conn_id) REFERENCES connections(id)
	);`

	if _, err := db.Exec(createConnectionsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create connections table: %w", err)
	}

	if _, err := db.Exec(createExchangesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create exchanges table: %w", err)
	}

	return &Store{db: db}, nil
}

// Opened records a new connection
func (s *Store) Opened(ctx context.Context, connID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO connections (id, opened_at) VALUES (?, ?)",
		connID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	return nil
}

// Closed stamps the close time of a connection
func (s *Store) Closed(ctx context.Context, connID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE connections SET closed_at = ? WHERE id = ?",
		at, connID,
	)
	if err != nil {
		return fmt.Errorf("failed to record disconnect: %w", err)
	}
	return nil
}

// Record appends one exchange
func (s *Store) Record(ctx context.Context, ex Exchange) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (conn_id, seq, user_text, outcome, response, backend, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ConnID, ex.Seq, ex.UserText, ex.Outcome, ex.Response, ex.Backend, ex.Duration.Milliseconds(), ex.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record exchange: %w", err)
	}
	return nil
}

// Exchanges returns the exchanges of one connection in order. Used by
// operators and tests; the relay never reads it.
func (s *Store) Exchanges(ctx context.Context, connID string) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conn_id, seq, user_text, outcome, response, backend, duration_ms, timestamp
		FROM exchanges WHERE conn_id = ? ORDER BY seq, id`,
		connID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchanges: %w", err)
	}
	defer rows.Close()

	exchanges := []Exchange{}
	for rows.Next() {
		var ex Exchange
		var ms int64
		if err := rows.Scan(&ex.ConnID, &ex.Seq, &ex.UserText, &ex.Outcome, &ex.Response, &ex.Backend, &ms, &ex.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		ex.Duration = time.Duration(ms) * time.Millisecond
		exchanges = append(exchanges, ex)
	}
	return exchanges, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
