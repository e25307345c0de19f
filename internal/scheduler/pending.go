package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingsync/internal/types"
)

// PendingDB lists ledger claims still PENDING.
//
// SQL: SELECT ... FROM processed_events WHERE outcome = 'PENDING'
//
//	AND claimed_at < $1 ORDER BY claimed_at LIMIT $2
type PendingDB interface {
	ListPendingClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]types.ProcessedEvent, error)
}

// MetricPublisher emits a single gauge-style data point.
type MetricPublisher interface {
	Publish(ctx context.Context, name string, value float64, dims map[string]string) error
}

// PendingClaimReporter detects ledger claims that never reached a terminal
// outcome: a crash between claim and finalize, or a finalize that failed after
// the transition committed. It reports only; reprocessing is left to the
// claim lease and to operators.
type PendingClaimReporter struct {
	db      PendingDB
	metrics MetricPublisher // nil disables metric emission
	age     time.Duration
	logger  *slog.Logger
}

// NewPendingClaimReporter creates a PendingClaimReporter. Claims older than
// age are reported.
func NewPendingClaimReporter(db PendingDB, metrics MetricPublisher, age time.Duration, logger *slog.Logger) *PendingClaimReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingClaimReporter{
		db:      db,
		metrics: metrics,
		age:     age,
		logger:  logger,
	}
}

// Report logs every stale PENDING claim (up to limit) and publishes the count
// per provider. It returns the number of claims found.
func (r *PendingClaimReporter) Report(ctx context.Context, now time.Time, limit int) (int, error) {
	cutoff := now.Add(-r.age)

	claims, err := r.db.ListPendingClaims(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("listing pending claims: %w", err)
	}

	counts := make(map[types.Provider]int, len(types.Providers))
	for _, p := range types.Providers {
		counts[p] = 0
	}
	for _, c := range claims {
		counts[c.Provider]++
		r.logger.WarnContext(ctx, types.LogReconcileAlert+": ledger claim still pending",
			"provider", c.Provider.Slug(),
			"event_id", c.EventID,
			"event_type", string(c.EventType),
			"claimed_at", c.ClaimedAt.Format(time.RFC3339),
		)
	}

	if r.metrics != nil {
		for p, n := range counts {
			dims := map[string]string{types.DimProvider: p.Slug()}
			if err := r.metrics.Publish(ctx, types.MetricPendingLedgerClaims, float64(n), dims); err != nil {
				r.logger.ErrorContext(ctx, "failed to publish pending claim metric",
					"provider", p.Slug(),
					"error", err,
				)
			}
		}
	}

	r.logger.InfoContext(ctx, "pending claim report complete",
		"pending", len(claims),
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return len(claims), nil
}
