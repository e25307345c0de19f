package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"billingsync/internal/types"
)

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// LemonSqueezyVerifier checks the X-Signature header: hex HMAC-SHA256 of the
// raw body under the store's signing secret. Lemon Squeezy sends no signed
// timestamp; when a relay adds X-Webhook-Timestamp, the MAC is taken over
// "<timestamp>.<body>" and the timestamp must fall within tolerance.
type LemonSqueezyVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewLemonSqueezyVerifier creates a verifier for the store signing secret.
func NewLemonSqueezyVerifier(secret types.SecretString, tolerance time.Duration) *LemonSqueezyVerifier {
	return &LemonSqueezyVerifier{secret: secret.Unmask(), tolerance: tolerance, now: time.Now}
}

// Verify implements WebhookVerifier.
func (v *LemonSqueezyVerifier) Verify(payload []byte, header http.Header) error {
	if v.secret == "" {
		return errSecretMissing(types.ProviderLemonSqueezy)
	}
	sig := strings.TrimSpace(header.Get(HeaderLemonSignature))
	if sig == "" {
		return errSignature("missing X-Signature header", nil)
	}
	given, err := hex.DecodeString(sig)
	if err != nil {
		return errSignature("malformed X-Signature header", err)
	}

	ts := strings.TrimSpace(header.Get(HeaderLemonTimestamp))
	var expected []byte
	if ts == "" {
		expected = hmacSHA256(v.secret, payload)
	} else {
		expected = hmacSHA256(v.secret, []byte(ts), []byte("."), payload)
	}
	if !hmac.Equal(given, expected) {
		return errSignature("Lemon Squeezy signature verification failed", nil)
	}

	if ts != "" {
		sec, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return errSignature("malformed X-Webhook-Timestamp header", err)
		}
		if !withinTolerance(time.Unix(sec, 0), v.now(), v.tolerance) {
			return errReplay("Lemon Squeezy timestamp outside tolerance", nil)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event Decoding
// ---------------------------------------------------------------------------

// lemonEventIDPrefix marks event IDs derived from the payload hash.
const lemonEventIDPrefix = "ls_"

var lemonEventTypes = map[string]types.EventType{
	"order_created":                  types.EventCheckoutCompleted,
	"subscription_created":           types.EventSubscriptionCreated,
	"subscription_updated":           types.EventSubscriptionUpdated,
	"subscription_cancelled":         types.EventSubscriptionCancelled,
	"subscription_expired":           types.EventSubscriptionExpired,
	"subscription_paused":            types.EventSubscriptionPaused,
	"subscription_unpaused":          types.EventSubscriptionResumed,
	"subscription_resumed":           types.EventSubscriptionResumed,
	"subscription_payment_success":   types.EventPaymentSucceeded,
	"subscription_payment_recovered": types.EventPaymentSucceeded,
	"subscription_payment_failed":    types.EventPaymentFailed,
}

// LemonSqueezyDecoder maps Lemon Squeezy JSON:API webhooks onto normalized
// events.
type LemonSqueezyDecoder struct {
	variants TierTable
}

// NewLemonSqueezyDecoder creates a decoder that resolves tiers through variants.
func NewLemonSqueezyDecoder(variants TierTable) *LemonSqueezyDecoder {
	return &LemonSqueezyDecoder{variants: variants}
}

// Decode implements EventDecoder.
func (d *LemonSqueezyDecoder) Decode(delivery types.RawDelivery) (*types.NormalizedEvent, error) {
	var p lemonPayload
	if err := json.Unmarshal(delivery.Body, &p); err != nil {
		return nil, errDecode(types.ProviderLemonSqueezy, "malformed Lemon Squeezy payload", err)
	}

	name := firstNonEmpty(p.Meta.EventName, delivery.Headers[HeaderLemonEventName])
	if name == "" {
		return nil, errDecode(types.ProviderLemonSqueezy, "Lemon Squeezy payload has no event name", nil)
	}

	attrs := p.Data.Attributes
	eventTime := attrs.UpdatedAt
	if eventTime.IsZero() {
		eventTime = attrs.CreatedAt
	}

	ev := &types.NormalizedEvent{
		Provider:          types.ProviderLemonSqueezy,
		EventID:           lemonEventID(p.Meta.EventID, delivery.Body),
		EventType:         types.EventUnknown,
		ProviderEventType: name,
		ProviderEventTime: eventTime.UTC(),
	}

	mapped, known := lemonEventTypes[name]
	if !known {
		return finish(ev)
	}
	ev.EventType = mapped
	ev.AccountRef = p.Meta.CustomData["account_id"]
	ev.CustomerRef = string(attrs.CustomerID)

	variant := string(attrs.VariantID)
	switch p.Data.Type {
	case "subscriptions":
		ev.SubscriptionRef = string(p.Data.ID)
		ev.StatusHint = lemonStatus(attrs.Status)
		switch {
		case ev.StatusHint.Terminal() && attrs.EndsAt != nil:
			ev.PeriodEndHint = utcPtr(attrs.EndsAt)
		case attrs.RenewsAt != nil:
			ev.PeriodEndHint = utcPtr(attrs.RenewsAt)
		}
	case "subscription-invoices":
		ev.SubscriptionRef = string(attrs.SubscriptionID)
	case "orders":
		if attrs.FirstOrderItem != nil {
			variant = firstNonEmpty(variant, string(attrs.FirstOrderItem.VariantID))
		}
	}

	if t, ok := d.variants.Lookup(variant); ok {
		ev.TierHint = t
	} else {
		ev.TierHint = tierFromMetadata(p.Meta.CustomData)
	}
	return finish(ev)
}

// lemonEventID returns the provider's event ID, or a hash of the raw body so
// that identical redeliveries share an ID.
func lemonEventID(metaID string, body []byte) string {
	if metaID != "" {
		return metaID
	}
	sum := sha256.Sum256(body)
	return lemonEventIDPrefix + hex.EncodeToString(sum[:])
}

func lemonStatus(s string) types.SubscriptionStatus {
	switch s {
	case "on_trial":
		return types.SubStatusTrialing
	case "active":
		return types.SubStatusActive
	case "past_due":
		return types.SubStatusPastDue
	case "unpaid":
		return types.SubStatusOnHold
	case "paused":
		return types.SubStatusPaused
	case "cancelled":
		return types.SubStatusCancelled
	case "expired":
		return types.SubStatusExpired
	default:
		return ""
	}
}

func utcPtr(t *time.Time) *time.Time {
	u := t.UTC()
	return &u
}

// ---------------------------------------------------------------------------
// Wire Types
// ---------------------------------------------------------------------------

type lemonPayload struct {
	Meta struct {
		EventName  string    `json:"event_name"`
		EventID    string    `json:"event_id"`
		CustomData stringMap `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string          `json:"type"`
		ID         flexID          `json:"id"`
		Attributes lemonAttributes `json:"attributes"`
	} `json:"data"`
}

type lemonAttributes struct {
	CustomerID     flexID     `json:"customer_id"`
	SubscriptionID flexID     `json:"subscription_id"`
	VariantID      flexID     `json:"variant_id"`
	Status         string     `json:"status"`
	RenewsAt       *time.Time `json:"renews_at"`
	EndsAt         *time.Time `json:"ends_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FirstOrderItem *struct {
		VariantID flexID `json:"variant_id"`
	} `json:"first_order_item"`
}
