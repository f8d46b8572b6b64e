// Package store is the durable metadata store: hand-written SQL over
// database/sql. The embedded driver is modernc sqlite; postgres DSNs
// use pgx through its stdlib adapter. Every state transition runs in a
// single transaction obtained through WithTx.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx so repository
// methods run unchanged inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store provides access to all persisted entities.
type Store struct {
	db     *sql.DB
	q      querier
	driver string
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the metadata store and applies migrations.
// driver is "sqlite" or "pgx".
func Open(driver, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	s := &Store{db: db, q: db, driver: driver}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

var memSeq atomic.Int64

// OpenMemory opens a fresh in-memory sqlite store for tests. Each call
// gets its own database; the single connection keeps it alive and
// serializes access.
func OpenMemory() (*Store, error) {
	dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared", memSeq.Add(1))
	return Open("sqlite", dsn, Options{MaxOpenConns: 1})
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn against a Store bound to one transaction, committing
// on nil and rolling back on error. Nested calls are not supported.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fmt.Errorf("nested transaction")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	bound := &Store{db: s.db, q: tx, driver: s.driver}
	if err := fn(bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $N for the pgx driver. Queries are
// written against the sqlite form.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Timestamps are persisted as RFC3339Nano UTC text so both drivers
// round-trip identically.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
