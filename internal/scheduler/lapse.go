package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingsync/internal/billing"
	"billingsync/internal/types"
)

// LapseDB lists cancelled subscriptions whose paid period has ended.
//
// SQL: SELECT ... FROM account_subscriptions WHERE status = 'CANCELLED'
//
//	AND period_end < $1 ORDER BY period_end LIMIT $2
type LapseDB interface {
	ListLapsed(ctx context.Context, cutoff time.Time, limit int) ([]types.SubscriptionRecord, error)
}

// EventProcessor runs a normalized event through the billing pipeline.
type EventProcessor interface {
	Process(ctx context.Context, ev *types.NormalizedEvent, delivery types.RawDelivery) (billing.Result, error)
}

// LapseSweeper expires cancelled subscriptions once period_end plus the grace
// period has passed. Expiry goes through the normal pipeline as a synthetic
// event, so ledger dedup, ownership, CAS and audit apply unchanged.
type LapseSweeper struct {
	db        LapseDB
	processor EventProcessor
	grace     time.Duration
	logger    *slog.Logger
}

// NewLapseSweeper creates a LapseSweeper.
func NewLapseSweeper(db LapseDB, processor EventProcessor, grace time.Duration, logger *slog.Logger) *LapseSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &LapseSweeper{
		db:        db,
		processor: processor,
		grace:     grace,
		logger:    logger,
	}
}

// ExpireLapsed expires up to limit lapsed subscriptions and returns how many
// transitioned. A failure on one account is logged and the sweep continues;
// the account is picked up again on the next run.
func (s *LapseSweeper) ExpireLapsed(ctx context.Context, now time.Time, limit int) (int, error) {
	cutoff := now.Add(-s.grace)

	records, err := s.db.ListLapsed(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("listing lapsed subscriptions: %w", err)
	}
	if len(records) == 0 {
		s.logger.InfoContext(ctx, "no lapsed subscriptions to expire")
		return 0, nil
	}

	s.logger.InfoContext(ctx, "expiring lapsed subscriptions",
		"count", len(records),
		"cutoff", cutoff.Format(time.RFC3339),
	)

	expired := 0
	for _, rec := range records {
		ev := LapseEvent(rec, s.grace)
		res, err := s.processor.Process(ctx, ev, types.RawDelivery{
			Provider:   rec.ActiveProvider,
			ReceivedAt: now,
			RequestID:  "maintenance:" + string(TaskExpireLapsed),
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to expire lapsed subscription",
				"account_id", rec.AccountID,
				"error", err,
			)
			continue
		}
		if res.Outcome == types.OutcomeApplied && res.Detail == types.DetailStateChanged {
			expired++
		}
	}

	s.logger.InfoContext(ctx, "lapsed subscription sweep complete",
		"expired", expired,
	)
	return expired, nil
}

// LapseEvent builds the synthetic expiry event for a lapsed record. The event
// ID is bound to the record version, so a rerun over the same state is a
// ledger duplicate. The event time is period_end+grace, moved forward to
// last_event_at when a later event was already applied, so the expiry is
// never rejected as stale.
func LapseEvent(rec types.SubscriptionRecord, grace time.Duration) *types.NormalizedEvent {
	at := rec.LastEventAt
	if rec.PeriodEnd != nil {
		if lapse := rec.PeriodEnd.Add(grace); lapse.After(at) {
			at = lapse
		}
	}
	return &types.NormalizedEvent{
		Provider:          rec.ActiveProvider,
		EventID:           fmt.Sprintf("lapse:%s:%d", rec.AccountID, rec.Version),
		EventType:         types.EventSubscriptionExpired,
		ProviderEventType: "internal.subscription_lapsed",
		AccountRef:        rec.AccountID,
		SubscriptionRef:   rec.ProviderSubscriptionRef,
		CustomerRef:       rec.ProviderCustomerRef,
		ProviderEventTime: at.UTC(),
	}
}
