// Package store owns the shared SQLite handle that every ledger-mutating
// component writes through.
//
// All mutations of balances, samples, idempotency records and workflow
// history go through WithTx so that the database layer serializes writers
// touching the same aggregate.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// Querier is the subset of *sql.DB and *sql.Tx used by repositories.
// Repository methods that take a Querier run inside the caller's
// transaction when given a *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// ErrClosed indicates the database has been closed.
var ErrClosed = errors.New("store closed")

// Open opens (or creates) the SQLite database at path.
// The path should be a file path (e.g., "./ledger.db") or ":memory:" for testing.
//
// The pool is limited to a single connection: SQLite allows one writer at a
// time, and an in-memory database exists only per connection. Callers must
// therefore never issue a query on the *sql.DB while holding a transaction.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if path != ":memory:" {
		// WAL for better concurrent read performance on disk
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	// Force a connection so bad paths fail here rather than on first use.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// EnsureSchema executes each DDL statement in order.
// Statements must be idempotent (CREATE ... IF NOT EXISTS).
func EnsureSchema(ctx context.Context, db *sql.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Classify(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return Classify(err, "commit transaction")
	}
	return nil
}

// Classify maps driver errors to error kinds: busy/locked databases are
// transient, constraint violations are conflicts, and no-rows is not-found.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return lferrors.NotFound(err, op)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return lferrors.Transient(err, op)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "database is busy"):
		return lferrors.Transient(err, op)
	case strings.Contains(msg, "constraint failed"),
		strings.Contains(msg, "unique constraint"):
		return lferrors.Conflict(err, op)
	}
	return lferrors.Internal(err, op)
}

// IsUniqueViolation reports whether err came from a UNIQUE/PRIMARY KEY conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

// Timestamps are stored as fixed-width RFC3339 text in UTC so that text
// ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp. Empty strings yield the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// NullTime renders an optional timestamp for storage.
func NullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseNullTime parses an optional stored timestamp.
func ParseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := ParseTime(s.String)
	return &t
}
