package event

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

const outboxSchema = `CREATE TABLE IF NOT EXISTS event_outbox (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
)`

// Outbox stores envelopes in the same transaction as the effect that
// produced them and publishes them after commit. A crash between commit and
// publish leaves the rows for the next Flush.
type Outbox struct {
	db  *sql.DB
	now func() time.Time

	// mu serializes flushes within the process.
	mu sync.Mutex
}

// NewOutbox creates the outbox table if needed.
func NewOutbox(ctx context.Context, db *sql.DB) (*Outbox, error) {
	if err := store.EnsureSchema(ctx, db, outboxSchema); err != nil {
		return nil, err
	}
	return &Outbox{db: db, now: time.Now}, nil
}

// Add stages envelopes inside q, normally the handler's transaction.
func (o *Outbox) Add(ctx context.Context, q store.Querier, envs ...Envelope) error {
	for _, env := range envs {
		if err := env.Validate(); err != nil {
			return err
		}
		data, err := env.Encode()
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO event_outbox (event_id, data, created_at) VALUES (?, ?, ?)`,
			env.EventID, string(data), store.FormatTime(o.now())); err != nil {
			return store.Classify(err, "event.Outbox.Add")
		}
	}
	return nil
}

type outboxRow struct {
	id  int64
	env Envelope
}

// Flush publishes staged envelopes in insertion order and deletes each one
// after it was published. It stops at the first publish failure.
func (o *Outbox) Flush(ctx context.Context, pub Publisher) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rows, err := o.pending(ctx)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, r := range rows {
		if err := pub.Publish(ctx, r.env); err != nil {
			return published, err
		}
		if _, err := o.db.ExecContext(ctx, `DELETE FROM event_outbox WHERE id = ?`, r.id); err != nil {
			return published, store.Classify(err, "event.Outbox.Flush")
		}
		published++
	}
	return published, nil
}

func (o *Outbox) pending(ctx context.Context) ([]outboxRow, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT id, data FROM event_outbox ORDER BY id LIMIT 500`)
	if err != nil {
		return nil, store.Classify(err, "event.Outbox.pending")
	}
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, store.Classify(err, "event.Outbox.pending")
		}
		env, err := Decode([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("outbox row %d: %w", id, err)
		}
		out = append(out, outboxRow{id: id, env: env})
	}
	return out, rows.Err()
}

// Pending returns the number of staged envelopes.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_outbox`).Scan(&n); err != nil {
		return 0, store.Classify(err, "event.Outbox.Pending")
	}
	return n, nil
}

// Relay flushes the outbox every interval until ctx is done.
func (o *Outbox) Relay(ctx context.Context, pub Publisher, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := o.Flush(ctx, pub); err != nil {
				logger.Warn("outbox flush failed",
					slog.Int("published", n),
					slog.String("error", err.Error()))
			}
		}
	}
}
