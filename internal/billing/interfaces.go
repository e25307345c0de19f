package billing

import (
	"context"
	"time"

	"billingsync/internal/types"
)

// Ledger is the idempotency ledger keyed by (provider, event_id).
type Ledger interface {
	// RecordIfNew atomically inserts a PENDING claim. Exactly one concurrent
	// caller per key observes true. A PENDING claim older than
	// claim.StaleBefore may be taken over.
	RecordIfNew(ctx context.Context, claim types.LedgerClaim) (bool, error)

	// Finalize moves a PENDING claim to a terminal outcome. It never
	// overwrites a terminal outcome.
	Finalize(ctx context.Context, provider types.Provider, eventID, accountID string, outcome types.Outcome, detail string) error

	// Release deletes a PENDING claim so a redelivery is processed again.
	Release(ctx context.Context, provider types.Provider, eventID string) error

	// RecordAttempt appends one delivery attempt row.
	RecordAttempt(ctx context.Context, attempt types.DeliveryAttempt) error
}

// LedgerInspector exposes ledger state to the maintenance job and operators.
type LedgerInspector interface {
	ListPendingClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]types.ProcessedEvent, error)
	GetProcessedEvent(ctx context.Context, provider types.Provider, eventID string) (*types.ProcessedEvent, error)
	ListDeliveryAttempts(ctx context.Context, provider types.Provider, eventID string) ([]types.DeliveryAttempt, error)
}

// SubscriptionStore persists subscription records and their audit trail.
type SubscriptionStore interface {
	// GetSubscription returns the stored record, or the version-0 NONE
	// record when the account has none.
	GetSubscription(ctx context.Context, accountID string) (types.SubscriptionRecord, error)

	// CommitTransition writes next and entry in one transaction, provided
	// the stored version still equals expectedVersion. It returns
	// types.ErrVersionConflict when the version moved and
	// types.ErrAlreadyApplied when the audit trail already holds the event.
	CommitTransition(ctx context.Context, expectedVersion int64, next types.SubscriptionRecord, entry types.AuditEntry) error

	// ListAudit returns the account's audit entries in version order.
	ListAudit(ctx context.Context, accountID string, limit int) ([]types.AuditEntry, error)

	// ListLapsed returns CANCELLED records whose period ended before cutoff.
	ListLapsed(ctx context.Context, cutoff time.Time, limit int) ([]types.SubscriptionRecord, error)
}

// AccountResolver maps an event's references onto an internal account ID. It
// returns types.ErrAccountNotFound or types.ErrAccountAmbiguous when the
// references do not identify exactly one account.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, ev *types.NormalizedEvent) (string, error)
}

// Store is the full persistence surface implemented by the Postgres and
// SQLite backends.
type Store interface {
	Ledger
	LedgerInspector
	SubscriptionStore
	AccountResolver
	Ping(ctx context.Context) error
}

// Recorder receives processing telemetry.
type Recorder interface {
	ObserveOutcome(provider types.Provider, eventType types.EventType, outcome types.Outcome, detail string)
	ObserveCASConflict(provider types.Provider)
	ObserveDuration(provider types.Provider, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOutcome(types.Provider, types.EventType, types.Outcome, string) {}
func (nopRecorder) ObserveCASConflict(types.Provider)                                     {}
func (nopRecorder) ObserveDuration(types.Provider, time.Duration)                         {}
