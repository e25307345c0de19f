// Package billing implements the subscription state engine: the pure
// transition function, the processor that drives it through the ledger and
// the versioned store, and the read service exposed to collaborators.
package billing

import (
	"time"

	"billingsync/internal/types"
)

// Verdict classifies the result of evaluating an event against a record.
type Verdict int

const (
	// VerdictApply means Next differs from the current record and must be
	// committed at Current.Version+1.
	VerdictApply Verdict = iota
	// VerdictAdvance means the event is newer than the record but leaves its
	// fields unchanged. Next carries only the new version and LastEventAt.
	VerdictAdvance
	// VerdictNoOp means the event is valid but changes nothing, not even the
	// recorded provider time.
	VerdictNoOp
	// VerdictIgnored means the event type is not understood.
	VerdictIgnored
	// VerdictStale means the event is older than the state already recorded.
	VerdictStale
	// VerdictPolicyViolation means the event's provider does not own the
	// account.
	VerdictPolicyViolation
)

// String returns a log-friendly name.
func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictAdvance:
		return "advance"
	case VerdictNoOp:
		return "no_op"
	case VerdictIgnored:
		return "ignored"
	case VerdictStale:
		return "stale"
	case VerdictPolicyViolation:
		return "policy_violation"
	default:
		return "unknown"
	}
}

// Decision is the output of Evaluate. Next is only meaningful when Commits
// reports true.
type Decision struct {
	Verdict Verdict
	Next    types.SubscriptionRecord
	// Revival is set when the provider reports a live subscription that the
	// record already holds as CANCELLED.
	Revival bool
}

// Commits reports whether Next must be written at Current.Version+1.
func (d Decision) Commits() bool {
	return d.Verdict == VerdictApply || d.Verdict == VerdictAdvance
}

// Outcome maps the decision onto the ledger outcome and detail recorded for
// the event.
func (d Decision) Outcome() (types.Outcome, string) {
	switch d.Verdict {
	case VerdictApply:
		return types.OutcomeApplied, types.DetailStateChanged
	case VerdictIgnored:
		return types.OutcomeApplied, types.DetailUnknownType
	case VerdictStale:
		return types.OutcomeRejectedStale, ""
	case VerdictPolicyViolation:
		return types.OutcomeError, types.DetailPolicyViolation
	default:
		return types.OutcomeApplied, types.DetailNoOp
	}
}

// Evaluate computes the effect of ev on current. It is pure: the caller owns
// persistence and the record's UpdatedAt.
//
// Rules are checked in order: ownership, recency, then the transition table.
// An event whose provider time equals the recorded time is not stale. An
// event newer than the record always moves LastEventAt forward, so a later
// delivery of anything older is rejected even when this one changed nothing.
func Evaluate(current types.SubscriptionRecord, ev *types.NormalizedEvent) Decision {
	if ev.EventType == types.EventUnknown {
		return Decision{Verdict: VerdictIgnored}
	}
	if !owns(current, ev) {
		return Decision{Verdict: VerdictPolicyViolation}
	}
	if ev.ProviderEventTime.Before(current.LastEventAt) {
		return Decision{Verdict: VerdictStale}
	}
	revival := revivesCancelled(current, ev)

	next, ok := transition(current, ev)
	if ok && next.Status == types.SubStatusExpired {
		next.Tier = types.PlanFree
	}
	if !ok || sameState(current, next) {
		if !advances(current, ev) {
			return Decision{Verdict: VerdictNoOp, Revival: revival}
		}
		next = current
		next.Version = current.Version + 1
		next.LastEventAt = ev.ProviderEventTime
		return Decision{Verdict: VerdictAdvance, Next: next, Revival: revival}
	}

	next.Version = current.Version + 1
	next.LastEventAt = ev.ProviderEventTime
	return Decision{Verdict: VerdictApply, Next: next}
}

// advances reports whether ev is newer than an established record.
func advances(current types.SubscriptionRecord, ev *types.NormalizedEvent) bool {
	return current.Status != types.SubStatusNone && ev.ProviderEventTime.After(current.LastEventAt)
}

// revivesCancelled reports a resume, or an update carrying a live status,
// for a record already CANCELLED. CANCELLED is not left by either event.
func revivesCancelled(current types.SubscriptionRecord, ev *types.NormalizedEvent) bool {
	if current.Status != types.SubStatusCancelled {
		return false
	}
	switch ev.EventType {
	case types.EventSubscriptionResumed:
		return true
	case types.EventSubscriptionUpdated:
		return ev.StatusHint.Live()
	}
	return false
}

// owns reports whether ev's provider may mutate current. An unowned record
// accepts anyone; a terminal record accepts a signup from any provider.
func owns(current types.SubscriptionRecord, ev *types.NormalizedEvent) bool {
	if current.ActiveProvider == types.ProviderNone || current.Status == types.SubStatusNone {
		return true
	}
	if current.ActiveProvider == ev.Provider {
		return true
	}
	return ev.EventType.Signup() && current.Status.Terminal()
}

// transition applies the table. The bool is false when the event has no
// effect in the current status.
func transition(current types.SubscriptionRecord, ev *types.NormalizedEvent) (types.SubscriptionRecord, bool) {
	next := current
	from := current.Status
	hint := ev.StatusHint

	switch ev.EventType {
	case types.EventCheckoutCompleted, types.EventSubscriptionCreated:
		if from == types.SubStatusNone || from.Terminal() {
			next = fresh(current, ev)
			next.Status = types.SubStatusActive
			if hint == types.SubStatusTrialing {
				next.Status = types.SubStatusTrialing
			}
			return next, true
		}
		if hint != "" && hint != types.SubStatusNone {
			next.Status = hint
		}
		refresh(&next, ev)
		return next, true

	case types.EventSubscriptionUpdated:
		switch {
		case from == types.SubStatusNone:
			if !hint.Live() {
				return current, false
			}
			next = fresh(current, ev)
			next.Status = hint
			return next, true
		case from.Terminal():
			return current, false
		}
		if hint != "" && hint != types.SubStatusNone {
			next.Status = hint
		}
		refresh(&next, ev)
		return next, true

	case types.EventPaymentSucceeded:
		switch from {
		case types.SubStatusNone:
			next = fresh(current, ev)
		case types.SubStatusTrialing, types.SubStatusActive, types.SubStatusPastDue, types.SubStatusOnHold:
			refresh(&next, ev)
		default:
			return current, false
		}
		next.Status = types.SubStatusActive
		return next, true

	case types.EventPaymentFailed:
		switch from {
		case types.SubStatusTrialing, types.SubStatusActive, types.SubStatusPastDue:
			next.Status = types.SubStatusPastDue
			return next, true
		}
		return current, false

	case types.EventSubscriptionPaused:
		switch from {
		case types.SubStatusTrialing, types.SubStatusActive, types.SubStatusPastDue, types.SubStatusOnHold:
			next.Status = types.SubStatusPaused
			return next, true
		}
		return current, false

	case types.EventSubscriptionResumed:
		if from != types.SubStatusPaused && from != types.SubStatusOnHold {
			return current, false
		}
		next.Status = types.SubStatusActive
		if hint.Live() && hint != types.SubStatusPaused {
			next.Status = hint
		}
		refresh(&next, ev)
		return next, true

	case types.EventSubscriptionCancelled:
		if from == types.SubStatusNone || from.Terminal() {
			return current, false
		}
		next.Status = types.SubStatusCancelled
		if ev.PeriodEndHint != nil {
			next.PeriodEnd = copyTime(ev.PeriodEndHint)
		}
		return next, true

	case types.EventSubscriptionExpired:
		if from == types.SubStatusNone || from == types.SubStatusExpired {
			return current, false
		}
		next.Status = types.SubStatusExpired
		if ev.PeriodEndHint != nil {
			next.PeriodEnd = copyTime(ev.PeriodEndHint)
		}
		return next, true
	}

	return current, false
}

// fresh starts a new provider relationship on top of current. References and
// period are replaced; the tier carries over unless the event names one.
func fresh(current types.SubscriptionRecord, ev *types.NormalizedEvent) types.SubscriptionRecord {
	next := current
	next.ActiveProvider = ev.Provider
	next.ProviderCustomerRef = ev.CustomerRef
	next.ProviderSubscriptionRef = ev.SubscriptionRef
	next.PeriodEnd = copyTime(ev.PeriodEndHint)
	if current.Status == types.SubStatusExpired {
		next.Tier = types.PlanFree
	}
	if ev.TierHint.Valid() {
		next.Tier = ev.TierHint
	}
	return next
}

func refresh(next *types.SubscriptionRecord, ev *types.NormalizedEvent) {
	if ev.TierHint.Valid() {
		next.Tier = ev.TierHint
	}
	if ev.PeriodEndHint != nil {
		next.PeriodEnd = copyTime(ev.PeriodEndHint)
	}
	if ev.CustomerRef != "" {
		next.ProviderCustomerRef = ev.CustomerRef
	}
	if ev.SubscriptionRef != "" {
		next.ProviderSubscriptionRef = ev.SubscriptionRef
	}
}

// sameState compares the fields a transition can change.
func sameState(a, b types.SubscriptionRecord) bool {
	return a.ActiveProvider == b.ActiveProvider &&
		a.ProviderCustomerRef == b.ProviderCustomerRef &&
		a.ProviderSubscriptionRef == b.ProviderSubscriptionRef &&
		a.Status == b.Status &&
		a.Tier == b.Tier &&
		sameTime(a.PeriodEnd, b.PeriodEnd)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}
