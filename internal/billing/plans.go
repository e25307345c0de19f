package billing

import (
	"time"

	"billingsync/internal/types"
)

// EntitlementPolicy decides which tier an account may use right now, given
// its subscription record. Billing-display and feature-gating collaborators
// read this instead of interpreting statuses themselves.
type EntitlementPolicy interface {
	// EffectiveTier returns the tier rec entitles at now. Anything not
	// explicitly paid for resolves to Free so that unknown states fail safe.
	EffectiveTier(rec types.SubscriptionRecord, now time.Time) types.PlanTier
}

// staticEntitlementPolicy is the standard policy backed by a status table.
type staticEntitlementPolicy struct {
	paid map[types.SubscriptionStatus]bool
}

// entitlementDefaults lists which statuses keep the paid tier:
//
//	| Status    | Keeps tier                        |
//	|-----------|-----------------------------------|
//	| TRIALING  | yes                               |
//	| ACTIVE    | yes                               |
//	| PAST_DUE  | yes (dunning in progress)         |
//	| ON_HOLD   | no                                |
//	| PAUSED    | no                                |
//	| CANCELLED | until period_end                  |
//	| EXPIRED   | no                                |
//	| NONE      | no                                |
var entitlementDefaults = map[types.SubscriptionStatus]bool{
	types.SubStatusTrialing: true,
	types.SubStatusActive:   true,
	types.SubStatusPastDue:  true,
}

// NewStaticEntitlementPolicy returns the standard EntitlementPolicy.
func NewStaticEntitlementPolicy() EntitlementPolicy {
	m := make(map[types.SubscriptionStatus]bool, len(entitlementDefaults))
	for k, v := range entitlementDefaults {
		m[k] = v
	}
	return &staticEntitlementPolicy{paid: m}
}

// EffectiveTier implements EntitlementPolicy.
func (p *staticEntitlementPolicy) EffectiveTier(rec types.SubscriptionRecord, now time.Time) types.PlanTier {
	if !rec.Tier.Valid() {
		return types.PlanFree
	}
	if p.paid[rec.Status] {
		return rec.Tier
	}
	// A cancelled subscription stays usable for the period already paid for.
	if rec.Status == types.SubStatusCancelled && rec.PeriodEnd != nil && now.Before(*rec.PeriodEnd) {
		return rec.Tier
	}
	return types.PlanFree
}
