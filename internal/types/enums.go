package types

// Provider identifies the payment processor that emitted an event or owns an
// account's subscription.
type Provider string

const (
	ProviderNone         Provider = "NONE"
	ProviderStripe       Provider = "STRIPE"
	ProviderLemonSqueezy Provider = "LEMONSQUEEZY"
)

// Providers lists the payment processors that deliver webhooks.
var Providers = []Provider{ProviderStripe, ProviderLemonSqueezy}

// Valid reports whether p is a webhook-delivering provider.
func (p Provider) Valid() bool {
	return p == ProviderStripe || p == ProviderLemonSqueezy
}

// Slug returns the lower-case form used in URLs and metric labels.
func (p Provider) Slug() string {
	switch p {
	case ProviderStripe:
		return "stripe"
	case ProviderLemonSqueezy:
		return "lemonsqueezy"
	default:
		return "none"
	}
}

// ParseProvider maps a URL slug or enum value onto a Provider.
func ParseProvider(s string) (Provider, bool) {
	switch s {
	case "stripe", string(ProviderStripe):
		return ProviderStripe, true
	case "lemonsqueezy", string(ProviderLemonSqueezy):
		return ProviderLemonSqueezy, true
	}
	return ProviderNone, false
}

// SubscriptionStatus is the billing state of an account.
type SubscriptionStatus string

const (
	SubStatusNone      SubscriptionStatus = "NONE"
	SubStatusTrialing  SubscriptionStatus = "TRIALING"
	SubStatusActive    SubscriptionStatus = "ACTIVE"
	SubStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubStatusOnHold    SubscriptionStatus = "ON_HOLD"
	SubStatusPaused    SubscriptionStatus = "PAUSED"
	SubStatusCancelled SubscriptionStatus = "CANCELLED"
	SubStatusExpired   SubscriptionStatus = "EXPIRED"
)

// Terminal reports whether the status ends a provider relationship.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubStatusCancelled || s == SubStatusExpired
}

// Live reports whether the status describes a running subscription.
func (s SubscriptionStatus) Live() bool {
	switch s {
	case SubStatusTrialing, SubStatusActive, SubStatusPastDue, SubStatusOnHold, SubStatusPaused:
		return true
	}
	return false
}

// PlanTier identifies the plan an account is entitled to, independent of
// which provider bills it.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t PlanTier) Valid() bool {
	return t == PlanFree || t == PlanPro || t == PlanEnterprise
}

// EventType is the provider-agnostic classification of a webhook event.
type EventType string

const (
	EventCheckoutCompleted     EventType = "CHECKOUT_COMPLETED"
	EventSubscriptionCreated   EventType = "SUBSCRIPTION_CREATED"
	EventSubscriptionUpdated   EventType = "SUBSCRIPTION_UPDATED"
	EventSubscriptionCancelled EventType = "SUBSCRIPTION_CANCELLED"
	EventSubscriptionExpired   EventType = "SUBSCRIPTION_EXPIRED"
	EventSubscriptionPaused    EventType = "SUBSCRIPTION_PAUSED"
	EventSubscriptionResumed   EventType = "SUBSCRIPTION_RESUMED"
	EventPaymentSucceeded      EventType = "PAYMENT_SUCCEEDED"
	EventPaymentFailed         EventType = "PAYMENT_FAILED"
	EventUnknown               EventType = "UNKNOWN"
)

// Signup reports whether the event type can open a provider relationship.
func (e EventType) Signup() bool {
	return e == EventCheckoutCompleted || e == EventSubscriptionCreated
}

// Outcome is the terminal (or in-flight) ledger state of a delivered event.
type Outcome string

const (
	OutcomePending          Outcome = "PENDING"
	OutcomeApplied          Outcome = "APPLIED"
	OutcomeDuplicateSkipped Outcome = "DUPLICATE_SKIPPED"
	OutcomeRejectedStale    Outcome = "REJECTED_STALE"
	OutcomeError            Outcome = "ERROR"
)

// Ledger detail values recorded alongside an outcome.
const (
	DetailStateChanged    = "state_changed"
	DetailNoOp            = "no_op"
	DetailUnknownType     = "unknown_event_type"
	DetailOrphanAccount   = "orphan_account"
	DetailPolicyViolation = "policy_violation"
	DetailAlreadyApplied  = "already_applied"
)
