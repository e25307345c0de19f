package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"billingsync/internal/config"
	"billingsync/internal/payload"
	"billingsync/internal/types"
)

// releaseTimeout bounds the best-effort claim release after a failure. It runs
// on a context detached from the (possibly expired) request deadline.
const releaseTimeout = 2 * time.Second

// Result describes how an event was handled. Every Result is acknowledged to
// the provider with a success status.
type Result struct {
	Outcome   types.Outcome `json:"outcome"`
	Detail    string        `json:"detail,omitempty"`
	AccountID string        `json:"account_id,omitempty"`
	// Version is the record version after processing, when known.
	Version int64 `json:"version,omitempty"`
}

// Processor drives a normalized event through the ledger, the state machine
// and the versioned store.
//
// Flow per event:
//  1. Claim (provider, event_id) in the ledger. A lost claim is a duplicate.
//  2. Resolve the account. Unresolvable references are orphans.
//  3. Read, Evaluate, and commit record+audit with a CAS on version,
//     re-reading on conflict up to CASMaxAttempts times.
//  4. Finalize the ledger claim with the outcome.
//
// Only infrastructure failures are returned as errors. On such a failure the
// claim is released so that the provider's retry is processed.
type Processor struct {
	store    Store
	cfg      config.ProcessingConfig
	breaker  *gobreaker.CircuitBreaker[any]
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	sleepFn  func(ctx context.Context, d time.Duration) error
}

// ProcessorOption is a functional option for configuring a Processor.
type ProcessorOption func(*Processor)

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// WithSleepFunc overrides the backoff sleep between CAS attempts. Intended for
// tests to avoid real delays.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) ProcessorOption {
	return func(p *Processor) {
		p.sleepFn = fn
	}
}

// NewProcessor creates a Processor over store. Store calls go through a
// circuit breaker that opens after cfg.BreakerMaxFailures consecutive
// infrastructure failures.
func NewProcessor(store Store, cfg config.ProcessingConfig, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CASMaxAttempts < 1 {
		cfg.CASMaxAttempts = 1
	}

	p := &Processor{
		store:    store,
		cfg:      cfg,
		recorder: nopRecorder{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleepFn:  sleepContext,
	}

	maxFailures := cfg.BreakerMaxFailures
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "billing-store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return maxFailures > 0 && counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isInfrastructure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one verified, decoded event. delivery carries the ingress
// metadata and the raw body, which is stored compressed with the claim.
func (p *Processor) Process(ctx context.Context, ev *types.NormalizedEvent, delivery types.RawDelivery) (Result, error) {
	start := p.now()
	defer func() {
		p.recorder.ObserveDuration(ev.Provider, p.now().Sub(start))
	}()

	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
		defer cancel()
	}

	logger := p.logger.With(
		"provider", ev.Provider.Slug(),
		"event_id", ev.EventID,
		"event_type", string(ev.EventType),
		"request_id", delivery.RequestID,
	)

	receivedAt := delivery.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = start
	}
	claim := types.LedgerClaim{
		Provider:   ev.Provider,
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		ReceivedAt: receivedAt,
		ClaimedAt:  start,
		RequestID:  delivery.RequestID,
		Payload:    payload.Compress(delivery.Body),
	}
	if p.cfg.ClaimLease > 0 {
		claim.StaleBefore = start.Add(-p.cfg.ClaimLease)
	}

	isNew, err := guard(p, func() (bool, error) {
		return p.store.RecordIfNew(ctx, claim)
	})
	if err != nil {
		appErr := p.infraError(ctx, err, "failed to record ledger claim")
		p.observeFailure(ctx, ev, appErr, logger)
		return Result{}, appErr
	}

	if !isNew {
		logger.InfoContext(ctx, "duplicate delivery skipped")
		p.recordAttempt(ctx, ev, delivery, receivedAt, types.OutcomeDuplicateSkipped, logger)
		p.recorder.ObserveOutcome(ev.Provider, ev.EventType, types.OutcomeDuplicateSkipped, "")
		return Result{Outcome: types.OutcomeDuplicateSkipped}, nil
	}

	res, committed, err := p.apply(ctx, ev, logger)
	if err != nil {
		p.release(ctx, ev, logger)
		p.observeFailure(ctx, ev, err, logger)
		return Result{}, err
	}

	_, err = guard(p, func() (struct{}, error) {
		return struct{}{}, p.store.Finalize(ctx, ev.Provider, ev.EventID, res.AccountID, res.Outcome, res.Detail)
	})
	if err != nil {
		if !committed {
			// Nothing durable happened; let the provider retry from scratch.
			p.release(ctx, ev, logger)
			appErr := p.infraError(ctx, err, "failed to finalize ledger claim")
			p.observeFailure(ctx, ev, appErr, logger)
			return Result{}, appErr
		}
		// The transition is committed; the PENDING claim is left for the
		// pending-claim report and a later takeover.
		logger.ErrorContext(ctx, types.LogReconcileAlert+": ledger finalize failed after commit",
			"account_id", res.AccountID,
			"version", res.Version,
			"error", err,
		)
	}

	p.recordAttempt(ctx, ev, delivery, receivedAt, res.Outcome, logger)
	p.recorder.ObserveOutcome(ev.Provider, ev.EventType, res.Outcome, res.Detail)
	return res, nil
}

// apply runs account resolution and the CAS loop. committed reports whether a
// transition was written by this call.
func (p *Processor) apply(ctx context.Context, ev *types.NormalizedEvent, logger *slog.Logger) (res Result, committed bool, err error) {
	if ev.EventType == types.EventUnknown {
		logger.InfoContext(ctx, "unknown event type acknowledged",
			"provider_event_type", ev.ProviderEventType,
		)
		return Result{Outcome: types.OutcomeApplied, Detail: types.DetailUnknownType}, false, nil
	}

	accountID, err := guard(p, func() (string, error) {
		return p.store.ResolveAccount(ctx, ev)
	})
	switch {
	case errors.Is(err, types.ErrAccountNotFound), errors.Is(err, types.ErrAccountAmbiguous):
		logger.WarnContext(ctx, types.LogReconcileAlert+": orphan event, account reference unresolved",
			"account_ref", ev.AccountRef,
			"subscription_ref", ev.SubscriptionRef,
			"customer_ref", ev.CustomerRef,
			"reason", err.Error(),
		)
		return Result{Outcome: types.OutcomeError, Detail: types.DetailOrphanAccount}, false, nil
	case err != nil:
		return Result{}, false, p.infraError(ctx, err, "failed to resolve account")
	}
	logger = logger.With("account_id", accountID)

	for attempt := 1; ; attempt++ {
		current, err := guard(p, func() (types.SubscriptionRecord, error) {
			return p.store.GetSubscription(ctx, accountID)
		})
		if err != nil {
			return Result{}, false, p.infraError(ctx, err, "failed to read subscription")
		}

		decision := Evaluate(current, ev)
		outcome, detail := decision.Outcome()
		if decision.Revival && attempt == 1 {
			logger.WarnContext(ctx, types.LogReconcileAlert+": provider reports a live subscription for a cancelled record",
				"event_type", string(ev.EventType),
				"status_hint", string(ev.StatusHint),
				"subscription_ref", ev.SubscriptionRef,
				"period_end", current.PeriodEnd,
			)
		}
		if !decision.Commits() {
			p.logVerdict(ctx, logger, decision, current, ev)
			return Result{Outcome: outcome, Detail: detail, AccountID: accountID, Version: current.Version}, false, nil
		}

		now := p.now()
		next := decision.Next
		next.AccountID = accountID
		next.UpdatedAt = now
		entry := newAuditEntry(current, next, ev, now)

		_, err = guard(p, func() (struct{}, error) {
			return struct{}{}, p.store.CommitTransition(ctx, current.Version, next, entry)
		})
		switch {
		case err == nil:
			logger.InfoContext(ctx, "subscription transition applied",
				"verdict", decision.Verdict.String(),
				"version", next.Version,
				"previous_status", string(current.Status),
				"new_status", string(next.Status),
				"tier", string(next.Tier),
			)
			return Result{
				Outcome:   outcome,
				Detail:    detail,
				AccountID: accountID,
				Version:   next.Version,
			}, true, nil

		case errors.Is(err, types.ErrAlreadyApplied):
			logger.InfoContext(ctx, "event already present in audit trail")
			return Result{
				Outcome:   types.OutcomeApplied,
				Detail:    types.DetailAlreadyApplied,
				AccountID: accountID,
				Version:   current.Version,
			}, false, nil

		case errors.Is(err, types.ErrVersionConflict):
			p.recorder.ObserveCASConflict(ev.Provider)
			if attempt >= p.cfg.CASMaxAttempts {
				return Result{}, false, types.NewAppErrorWithDetails(
					types.ErrCodeInternalCASExhaust,
					fmt.Sprintf("version conflict persisted after %d attempts", attempt),
					err,
					map[string]any{"account_id": accountID},
				)
			}
			logger.DebugContext(ctx, "version conflict, retrying", "attempt", attempt)
			if serr := p.sleepFn(ctx, p.backoff(attempt)); serr != nil {
				return Result{}, false, p.infraError(ctx, serr, "interrupted during conflict backoff")
			}

		default:
			return Result{}, false, p.infraError(ctx, err, "failed to commit subscription transition")
		}
	}
}

func (p *Processor) logVerdict(ctx context.Context, logger *slog.Logger, d Decision, current types.SubscriptionRecord, ev *types.NormalizedEvent) {
	switch d.Verdict {
	case VerdictStale:
		logger.InfoContext(ctx, "stale event rejected",
			"event_time", ev.ProviderEventTime,
			"last_event_at", current.LastEventAt,
			"version", current.Version,
		)
	case VerdictPolicyViolation:
		logger.WarnContext(ctx, types.LogReconcileAlert+": event from provider that does not own the account",
			"active_provider", string(current.ActiveProvider),
			"status", string(current.Status),
		)
	default:
		logger.InfoContext(ctx, "event did not change subscription",
			"verdict", d.Verdict.String(),
			"status", string(current.Status),
		)
	}
}

// backoff returns a jittered exponential delay for the given attempt, in
// [d/2, d] where d = base * 2^(attempt-1) capped at CASBackoffMax.
func (p *Processor) backoff(attempt int) time.Duration {
	base := p.cfg.CASBackoffBase
	if base <= 0 {
		return 0
	}
	d := base << min(attempt-1, 16)
	if p.cfg.CASBackoffMax > 0 && d > p.cfg.CASBackoffMax {
		d = p.cfg.CASBackoffMax
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func (p *Processor) release(ctx context.Context, ev *types.NormalizedEvent, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := p.store.Release(rctx, ev.Provider, ev.EventID); err != nil {
		logger.ErrorContext(ctx, types.LogReconcileAlert+": failed to release ledger claim",
			"error", err,
		)
	}
}

func (p *Processor) recordAttempt(ctx context.Context, ev *types.NormalizedEvent, delivery types.RawDelivery, receivedAt time.Time, outcome types.Outcome, logger *slog.Logger) {
	err := p.store.RecordAttempt(ctx, types.DeliveryAttempt{
		Provider:   ev.Provider,
		EventID:    ev.EventID,
		Outcome:    outcome,
		RequestID:  delivery.RequestID,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		logger.WarnContext(ctx, "failed to record delivery attempt", "error", err)
	}
}

func (p *Processor) observeFailure(ctx context.Context, ev *types.NormalizedEvent, err error, logger *slog.Logger) {
	code := types.CodeOf(err)
	logger.ErrorContext(ctx, "event processing failed",
		"code", string(code),
		"error", err,
	)
	p.recorder.ObserveOutcome(ev.Provider, ev.EventType, types.OutcomeError, string(code))
}

// infraError classifies a store failure into a retryable AppError.
func (p *Processor) infraError(ctx context.Context, err error, msg string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.NewAppError(types.ErrCodeInternalTimeout, "processing deadline exceeded", err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "storage circuit breaker open", err)
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code.Retryable() {
		return appErr
	}
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

// isInfrastructure reports whether err signals a storage fault rather than a
// domain answer such as a version conflict.
func isInfrastructure(err error) bool {
	switch {
	case errors.Is(err, types.ErrVersionConflict),
		errors.Is(err, types.ErrAlreadyApplied),
		errors.Is(err, types.ErrAccountNotFound),
		errors.Is(err, types.ErrAccountAmbiguous),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// guard runs fn through the processor's circuit breaker.
func guard[T any](p *Processor, fn func() (T, error)) (T, error) {
	v, err := p.breaker.Execute(func() (any, error) {
		return fn()
	})
	t, _ := v.(T)
	return t, err
}

func newAuditEntry(current, next types.SubscriptionRecord, ev *types.NormalizedEvent, now time.Time) types.AuditEntry {
	return types.AuditEntry{
		ID:                ulid.Make().String(),
		AccountID:         next.AccountID,
		Version:           next.Version,
		PreviousStatus:    current.Status,
		NewStatus:         next.Status,
		PreviousTier:      current.Tier,
		NewTier:           next.Tier,
		PreviousProvider:  current.ActiveProvider,
		Provider:          next.ActiveProvider,
		EventID:           ev.EventID,
		EventType:         ev.EventType,
		ProviderEventTime: ev.ProviderEventTime,
		CustomerRef:       next.ProviderCustomerRef,
		SubscriptionRef:   next.ProviderSubscriptionRef,
		PeriodEnd:         next.PeriodEnd,
		AppliedAt:         now,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
