package types

import "time"

// SubscriptionRecord is the authoritative billing state of one account. It is
// owned by the billing engine; collaborators only read it.
type SubscriptionRecord struct {
	AccountID               string             `json:"account_id" db:"account_id"`
	ActiveProvider          Provider           `json:"active_provider" db:"active_provider"`
	ProviderCustomerRef     string             `json:"provider_customer_ref,omitempty" db:"provider_customer_ref"`
	ProviderSubscriptionRef string             `json:"provider_subscription_ref,omitempty" db:"provider_subscription_ref"`
	Status                  SubscriptionStatus `json:"status" db:"status"`
	Tier                    PlanTier           `json:"tier" db:"tier"`
	PeriodEnd               *time.Time         `json:"period_end,omitempty" db:"period_end"`
	Version                 int64              `json:"version" db:"version"`
	// LastEventAt is the provider-reported time of the event reflected by
	// Version. Older events are rejected as stale.
	LastEventAt time.Time `json:"last_event_at" db:"last_event_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// NewSubscriptionRecord returns the implicit version-0 record of an account
// that has never had a qualifying event.
func NewSubscriptionRecord(accountID string) SubscriptionRecord {
	return SubscriptionRecord{
		AccountID:      accountID,
		ActiveProvider: ProviderNone,
		Status:         SubStatusNone,
		Tier:           PlanFree,
	}
}

// NormalizedEvent is the provider-agnostic form of a verified webhook.
type NormalizedEvent struct {
	Provider          Provider           `json:"provider" validate:"required"`
	EventID           string             `json:"event_id" validate:"required,max=255"`
	EventType         EventType          `json:"event_type" validate:"required"`
	ProviderEventType string             `json:"provider_event_type"`
	AccountRef        string             `json:"account_ref,omitempty"`
	SubscriptionRef   string             `json:"subscription_ref,omitempty"`
	CustomerRef       string             `json:"customer_ref,omitempty"`
	StatusHint        SubscriptionStatus `json:"status_hint,omitempty"`
	TierHint          PlanTier           `json:"tier_hint,omitempty"`
	PeriodEndHint     *time.Time         `json:"period_end_hint,omitempty"`
	ProviderEventTime time.Time          `json:"provider_event_time" validate:"required"`
}

// ProcessedEvent is an idempotency ledger entry, keyed by (Provider, EventID).
type ProcessedEvent struct {
	Provider    Provider   `json:"provider" db:"provider"`
	EventID     string     `json:"event_id" db:"event_id"`
	EventType   EventType  `json:"event_type" db:"event_type"`
	AccountID   string     `json:"account_id,omitempty" db:"account_id"`
	Outcome     Outcome    `json:"outcome" db:"outcome"`
	Detail      string     `json:"detail,omitempty" db:"detail"`
	ReceivedAt  time.Time  `json:"received_at" db:"received_at"`
	ClaimedAt   time.Time  `json:"claimed_at" db:"claimed_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`
}

// LedgerClaim is the input to an atomic "record if new" ledger write.
type LedgerClaim struct {
	Provider   Provider
	EventID    string
	EventType  EventType
	ReceivedAt time.Time
	ClaimedAt  time.Time // start of the claim's lease
	RequestID  string
	// Payload is the zstd-compressed raw body, kept for reconciliation.
	Payload []byte
	// StaleBefore allows a PENDING claim claimed before this instant to be
	// taken over. Zero disables takeover.
	StaleBefore time.Time
}

// DeliveryAttempt is one delivery of an event that reached the ledger stage.
type DeliveryAttempt struct {
	Provider   Provider  `json:"provider" db:"provider"`
	EventID    string    `json:"event_id" db:"event_id"`
	Outcome    Outcome   `json:"outcome" db:"outcome"`
	RequestID  string    `json:"request_id,omitempty" db:"request_id"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// AuditEntry is an immutable record of one accepted transition.
type AuditEntry struct {
	ID                string             `json:"id" db:"id"`
	AccountID         string             `json:"account_id" db:"account_id"`
	Version           int64              `json:"version" db:"version"`
	PreviousStatus    SubscriptionStatus `json:"previous_status" db:"previous_status"`
	NewStatus         SubscriptionStatus `json:"new_status" db:"new_status"`
	PreviousTier      PlanTier           `json:"previous_tier" db:"previous_tier"`
	NewTier           PlanTier           `json:"new_tier" db:"new_tier"`
	PreviousProvider  Provider           `json:"previous_provider" db:"previous_provider"`
	Provider          Provider           `json:"provider" db:"provider"`
	EventID           string             `json:"event_id" db:"event_id"`
	EventType         EventType          `json:"event_type" db:"event_type"`
	ProviderEventTime time.Time          `json:"provider_event_time" db:"provider_event_time"`
	CustomerRef       string             `json:"customer_ref,omitempty" db:"customer_ref"`
	SubscriptionRef   string             `json:"subscription_ref,omitempty" db:"subscription_ref"`
	PeriodEnd         *time.Time         `json:"period_end,omitempty" db:"period_end"`
	AppliedAt         time.Time          `json:"applied_at" db:"applied_at"`
}

// RawDelivery is an inbound webhook request body together with the headers
// its provider signs or identifies it by. Body is kept verbatim.
type RawDelivery struct {
	Provider   Provider
	Body       []byte
	Headers    map[string]string
	ReceivedAt time.Time
	RequestID  string
}
