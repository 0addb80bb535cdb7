package stream

import (
	"context"
	"database/sql"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_registrations (
		id                      TEXT PRIMARY KEY,
		external_address        TEXT NOT NULL,
		token                   TEXT NOT NULL,
		account_id              TEXT NOT NULL,
		direction               TEXT NOT NULL,
		sampling_interval_ms    INTEGER NOT NULL,
		price_source            TEXT NOT NULL DEFAULT '',
		expected_flow_rate      REAL NOT NULL,
		alert_threshold_percent REAL NOT NULL,
		initial_balance         REAL NOT NULL,
		created_at              TEXT NOT NULL,
		last_sampled_at         TEXT NOT NULL,
		last_sampled_balance    REAL NOT NULL,
		consecutive_misses      INTEGER NOT NULL DEFAULT 0,
		active                  INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS stream_samples (
		id                    TEXT PRIMARY KEY,
		stream_id             TEXT NOT NULL REFERENCES stream_registrations(id),
		kind                  TEXT NOT NULL,
		sampled_at            TEXT NOT NULL,
		external_balance      REAL NOT NULL,
		previous_balance      REAL NOT NULL,
		delta_native          REAL NOT NULL,
		price_used            REAL NOT NULL,
		price_source          TEXT NOT NULL DEFAULT '',
		price_degraded        INTEGER NOT NULL DEFAULT 0,
		delta_settlement      REAL NOT NULL,
		deviation_percent     REAL,
		ledger_transaction_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_samples_stream
		ON stream_samples(stream_id, sampled_at)`,
}

// Store persists registrations and samples.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the stream tables if needed.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := store.EnsureSchema(ctx, db, schema...); err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Register stores a new active registration. LastSampledAt and
// LastSampledBalance start at CreatedAt and InitialBalance.
func (s *Store) Register(ctx context.Context, r *Registration) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	r.LastSampledAt = r.CreatedAt
	r.LastSampledBalance = r.InitialBalance
	r.ConsecutiveMisses = 0
	r.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_registrations
			(id, external_address, token, account_id, direction, sampling_interval_ms, price_source,
			 expected_flow_rate, alert_threshold_percent, initial_balance, created_at,
			 last_sampled_at, last_sampled_balance, consecutive_misses, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1)`,
		r.ID, r.ExternalAddress, r.Token, r.AccountID, string(r.Direction), r.SamplingInterval.Milliseconds(),
		r.PriceSource, r.ExpectedFlowRate, r.AlertThresholdPercent, r.InitialBalance,
		store.FormatTime(r.CreatedAt), store.FormatTime(r.LastSampledAt), r.LastSampledBalance)
	return store.Classify(err, "stream.Register")
}

const registrationColumns = `id, external_address, token, account_id, direction, sampling_interval_ms,
	price_source, expected_flow_rate, alert_threshold_percent, initial_balance, created_at,
	last_sampled_at, last_sampled_balance, consecutive_misses, active`

func scanRegistration(row interface{ Scan(...any) error }) (*Registration, error) {
	var (
		r               Registration
		direction       string
		intervalMs      int64
		created, lastAt string
		active          int
	)
	if err := row.Scan(&r.ID, &r.ExternalAddress, &r.Token, &r.AccountID, &direction, &intervalMs,
		&r.PriceSource, &r.ExpectedFlowRate, &r.AlertThresholdPercent, &r.InitialBalance, &created,
		&lastAt, &r.LastSampledBalance, &r.ConsecutiveMisses, &active); err != nil {
		return nil, err
	}
	r.Direction = Direction(direction)
	r.SamplingInterval = time.Duration(intervalMs) * time.Millisecond
	r.CreatedAt = store.ParseTime(created)
	r.LastSampledAt = store.ParseTime(lastAt)
	r.Active = active != 0
	return &r, nil
}

// Get returns a registration or NotFound.
func (s *Store) Get(ctx context.Context, id string) (*Registration, error) {
	return s.get(ctx, s.db, id)
}

func (s *Store) get(ctx context.Context, q store.Querier, id string) (*Registration, error) {
	row := q.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM stream_registrations WHERE id = ?`, id)
	r, err := scanRegistration(row)
	if err != nil {
		return nil, store.Classify(err, "stream.Get")
	}
	return r, nil
}

// List returns registrations ordered by ID.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM stream_registrations`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, store.Classify(err, "stream.List")
	}
	defer rows.Close()

	var out []*Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, store.Classify(err, "stream.List")
		}
		out = append(out, r)
	}
	return out, store.Classify(rows.Err(), "stream.List")
}

// Due returns active registrations whose next sample is due at now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Registration, error) {
	all, err := s.List(ctx, true)
	if err != nil {
		return nil, err
	}
	var due []*Registration
	for _, r := range all {
		if !now.Before(r.NextDue()) {
			due = append(due, r)
		}
	}
	return due, nil
}

// Deactivate stops sampling a registration.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stream_registrations SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return store.Classify(err, "stream.Deactivate")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lferrors.Newf(lferrors.KindNotFound, "stream.Deactivate", "stream %q not found", id)
	}
	return nil
}

// RecordMiss increments the consecutive miss counter and returns it.
func (s *Store) RecordMiss(ctx context.Context, id string) (int, error) {
	var misses int
	err := s.db.QueryRowContext(ctx, `
		UPDATE stream_registrations SET consecutive_misses = consecutive_misses + 1
		WHERE id = ? RETURNING consecutive_misses`, id).Scan(&misses)
	return misses, store.Classify(err, "stream.RecordMiss")
}

// Advance moves the registration's sampling cursor and clears misses.
func (s *Store) Advance(ctx context.Context, q store.Querier, id string, at time.Time, balance float64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE stream_registrations
		SET last_sampled_at = ?, last_sampled_balance = ?, consecutive_misses = 0
		WHERE id = ?`, store.FormatTime(at), balance, id)
	if err != nil {
		return store.Classify(err, "stream.Advance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lferrors.Newf(lferrors.KindNotFound, "stream.Advance", "stream %q not found", id)
	}
	return nil
}

// AdjustLastBalance shifts the balance cursor by delta without moving the
// time cursor. It only applies while the cursor is still at (at, balance),
// the position the caller read, and fails with Conflict once a sample has
// moved it. Used by reconciliation adjustments.
func (s *Store) AdjustLastBalance(ctx context.Context, q store.Querier, id string, at time.Time, balance, delta float64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE stream_registrations SET last_sampled_balance = last_sampled_balance + ?
		WHERE id = ? AND last_sampled_at = ? AND last_sampled_balance = ?`,
		delta, id, store.FormatTime(at), balance)
	if err != nil {
		return store.Classify(err, "stream.AdjustLastBalance")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return lferrors.Newf(lferrors.KindConflict, "stream.AdjustLastBalance", "stream %q was sampled since it was read", id)
	}
	return nil
}

// InsertSample appends a sample through q.
func (s *Store) InsertSample(ctx context.Context, q store.Querier, smp *Sample) error {
	var deviation sql.NullFloat64
	if smp.DeviationPercent != nil {
		deviation = sql.NullFloat64{Float64: *smp.DeviationPercent, Valid: true}
	}
	degraded := 0
	if smp.PriceDegraded {
		degraded = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO stream_samples
			(id, stream_id, kind, sampled_at, external_balance, previous_balance, delta_native,
			 price_used, price_source, price_degraded, delta_settlement, deviation_percent, ledger_transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		smp.ID, smp.StreamID, string(smp.Kind), store.FormatTime(smp.SampledAt), smp.ExternalBalance,
		smp.PreviousBalance, smp.DeltaNative, smp.PriceUsed, smp.PriceSource, degraded,
		smp.DeltaSettlement, deviation, smp.LedgerTransactionID)
	return store.Classify(err, "stream.InsertSample")
}

// Samples returns a stream's samples in time order.
func (s *Store) Samples(ctx context.Context, streamID string) ([]Sample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, kind, sampled_at, external_balance, previous_balance, delta_native,
		       price_used, price_source, price_degraded, delta_settlement, deviation_percent, ledger_transaction_id
		FROM stream_samples WHERE stream_id = ? ORDER BY sampled_at, rowid`, streamID)
	if err != nil {
		return nil, store.Classify(err, "stream.Samples")
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			smp       Sample
			kind, at  string
			degraded  int
			deviation sql.NullFloat64
		)
		if err := rows.Scan(&smp.ID, &smp.StreamID, &kind, &at, &smp.ExternalBalance, &smp.PreviousBalance,
			&smp.DeltaNative, &smp.PriceUsed, &smp.PriceSource, &degraded, &smp.DeltaSettlement,
			&deviation, &smp.LedgerTransactionID); err != nil {
			return nil, store.Classify(err, "stream.Samples")
		}
		smp.Kind = SampleKind(kind)
		smp.SampledAt = store.ParseTime(at)
		smp.PriceDegraded = degraded != 0
		if deviation.Valid {
			v := deviation.Float64
			smp.DeviationPercent = &v
		}
		out = append(out, smp)
	}
	return out, store.Classify(rows.Err(), "stream.Samples")
}

// CumulativeDelta sums the deltas of natural and adjustment samples.
func (s *Store) CumulativeDelta(ctx context.Context, streamID string) (sum float64, count int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta_native), 0), COUNT(*)
		FROM stream_samples WHERE stream_id = ? AND kind != ?`, streamID, string(KindBackfill)).Scan(&sum, &count)
	return sum, count, store.Classify(err, "stream.CumulativeDelta")
}
