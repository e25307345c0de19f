package billing

import (
	"context"
	"log/slog"
	"time"

	"billingsync/internal/types"
)

// Audit history page bounds.
const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// SubscriptionView is the read model handed to collaborators.
type SubscriptionView struct {
	types.SubscriptionRecord
	EffectiveTier types.PlanTier `json:"effective_tier"`
}

// Service is the read-only query surface over subscription state. Reads go
// straight to the store, so a committed transition is visible immediately.
type Service struct {
	store  SubscriptionStore
	policy EntitlementPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store SubscriptionStore, policy EntitlementPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = NewStaticEntitlementPolicy()
	}
	return &Service{
		store:  store,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetSubscription returns the account's record. An account that never had a
// qualifying event yields the NONE record at version 0.
func (s *Service) GetSubscription(ctx context.Context, accountID string) (*SubscriptionView, error) {
	if accountID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "account_id is required", nil)
	}
	rec, err := s.store.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &SubscriptionView{
		SubscriptionRecord: rec,
		EffectiveTier:      s.policy.EffectiveTier(rec, s.now()),
	}, nil
}

// ListAuditHistory returns up to limit audit entries in version order. A
// non-positive limit selects DefaultAuditLimit; larger values are capped at
// MaxAuditLimit.
func (s *Service) ListAuditHistory(ctx context.Context, accountID string, limit int) ([]types.AuditEntry, error) {
	if accountID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "account_id is required", nil)
	}
	switch {
	case limit <= 0:
		limit = DefaultAuditLimit
	case limit > MaxAuditLimit:
		limit = MaxAuditLimit
	}
	entries, err := s.store.ListAudit(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	return entries, nil
}

// Replay folds audit entries, in version order, into the record they
// describe. Applied to an account's full history it reproduces the stored
// record apart from UpdatedAt.
func Replay(accountID string, entries []types.AuditEntry) types.SubscriptionRecord {
	rec := types.NewSubscriptionRecord(accountID)
	for _, e := range entries {
		rec.ActiveProvider = e.Provider
		rec.ProviderCustomerRef = e.CustomerRef
		rec.ProviderSubscriptionRef = e.SubscriptionRef
		rec.Status = e.NewStatus
		rec.Tier = e.NewTier
		rec.PeriodEnd = e.PeriodEnd
		rec.Version = e.Version
		rec.LastEventAt = e.ProviderEventTime
	}
	return rec
}
