package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// RetentionMargin is added on top of the bus's maximum redelivery age so a
// message redelivered at the very edge of that window still finds its record.
const RetentionMargin = 24 * time.Hour

// RetentionFor derives the retention window from the longest time the bus
// may hold and redeliver a message. Records must outlive every possible
// redelivery, otherwise effectively-once degrades to at-least-once.
func RetentionFor(maxRedeliveryAge time.Duration) time.Duration {
	return maxRedeliveryAge + RetentionMargin
}

// Purger deletes expired records on a fixed interval.
type Purger struct {
	store     Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPurger creates a purger. Retention should come from RetentionFor.
func NewPurger(s Store, retention, interval time.Duration, logger *slog.Logger) *Purger {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Purger{store: s, retention: retention, interval: interval, logger: logger, now: time.Now}
}

// PurgeOnce deletes records older than the retention window.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("purged idempotency records",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Run purges until ctx is cancelled.
func (p *Purger) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PurgeOnce(ctx); err != nil {
				p.logger.Warn("idempotency purge failed", slog.String("error", err.Error()))
			}
		}
	}
}
