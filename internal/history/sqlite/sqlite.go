package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/checkengine/internal/history"
)

var insertSQL = strings.Replace(history.InsertSQL(history.Table, func(int) string { return "?" }),
	"INSERT INTO", "INSERT OR IGNORE INTO", 1)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + history.Table + `(
			id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			command TEXT NOT NULL,
			runner TEXT NOT NULL,
			command_line TEXT NOT NULL,
			command_id INTEGER NOT NULL,
			state TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			status TEXT NOT NULL,
			timed_out BOOLEAN NOT NULL,
			executed BOOLEAN NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			stdout TEXT,
			stderr TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_check_history_command ON ` + history.Table + `(command, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Send inserts e. A retried event with a known id is ignored.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, insertSQL, e.Row()...)
	return err
}

// Count returns the number of events recorded for command.
func (s *Sink) Count(ctx context.Context, command string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+history.Table+` WHERE command = ?`, command).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
