package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		event_id TEXT NOT NULL,
		handler_name TEXT NOT NULL,
		processed_at TEXT NOT NULL,
		PRIMARY KEY (event_id, handler_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_processed_at
		ON idempotency_records(processed_at)`,
}

// SQLiteStore keeps idempotency records next to the ledger so they commit
// in the same transaction as the effect they guard.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the idempotency table on db if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := store.EnsureSchema(ctx, db, schema...); err != nil {
		return nil, fmt.Errorf("idempotency: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Seen implements Store.
func (s *SQLiteStore) Seen(ctx context.Context, q store.Querier, key Key) (bool, error) {
	if q == nil {
		q = s.db
	}
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM idempotency_records WHERE event_id = ? AND handler_name = ?
	`, key.EventID, key.HandlerName).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, store.Classify(err, "idempotency.seen")
	}
	return true, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, q store.Querier, key Key, processedAt time.Time) error {
	if q == nil {
		q = s.db
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_records (event_id, handler_name, processed_at)
		VALUES (?, ?, ?)
	`, key.EventID, key.HandlerName, store.FormatTime(processedAt))
	if store.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return store.Classify(err, "idempotency.record")
	}
	return nil
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, eventID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM idempotency_records WHERE event_id = ?
	`, eventID).Scan(&n)
	if err != nil {
		return 0, store.Classify(err, "idempotency.count")
	}
	return n, nil
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE processed_at < ?
	`, store.FormatTime(cutoff))
	if err != nil {
		return 0, store.Classify(err, "idempotency.purge")
	}
	return res.RowsAffected()
}

var _ Store = (*SQLiteStore)(nil)
