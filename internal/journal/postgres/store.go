// Package postgres implements [journal.Store] on PostgreSQL with pgx.
package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/nell/internal/journal"
)

// Schema is the DDL applied by [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS journal_entries (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT        NOT NULL,
    kind       TEXT        NOT NULL,
    text       TEXT        NOT NULL DEFAULT '',
    is_stop    BOOLEAN     NOT NULL DEFAULT FALSE,
    mode       TEXT        NOT NULL DEFAULT '',
    at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_journal_entries_session ON journal_entries(session_id, id);
`

// DB is the query surface the store needs. *pgxpool.Pool and *pgx.Conn
// satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [journal.Store] backed by the journal_entries table.
type Store struct {
	db    DB
	close func()
}

var _ journal.Store = (*Store)(nil)

// New wraps db. The caller keeps ownership of db; Close does not close it.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, verifies it and applies the schema. Close
// releases the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal/postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal/postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal/postgres: migrate: %w", err)
	}
	return nil
}

// Append implements [journal.Store].
func (s *Store) Append(ctx context.Context, e journal.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	const query = `
		INSERT INTO journal_entries (session_id, kind, text, is_stop, mode, at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.Exec(ctx, query, e.SessionID, string(e.Kind), e.Text, e.IsStop, e.Mode, e.At); err != nil {
		return fmt.Errorf("journal/postgres: append: %w", err)
	}
	return nil
}

// Recent implements [journal.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]journal.Entry, error) {
	query := `
		SELECT session_id, kind, text, is_stop, mode, at
		FROM journal_entries
		WHERE session_id = $1
		ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal/postgres: recent %q: %w", sessionID, err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("journal/postgres: recent %q: %w", sessionID, err)
	}
	slices.Reverse(entries)
	return entries, nil
}

func scanEntry(row pgx.CollectableRow) (journal.Entry, error) {
	var (
		e    journal.Entry
		kind string
	)
	err := row.Scan(&e.SessionID, &kind, &e.Text, &e.IsStop, &e.Mode, &e.At)
	e.Kind = journal.Kind(kind)
	return e, err
}

// Ping checks that the database answers. A DB without a Ping method is
// assumed reachable.
func (s *Store) Ping(ctx context.Context) error {
	p, ok := s.db.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return fmt.Errorf("journal/postgres: ping: %w", err)
	}
	return nil
}

// Close releases the pool when the store was created by [Open].
func (s *Store) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
