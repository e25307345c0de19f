package external

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"billingsync/internal/types"
)

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier checks the Stripe-Signature header (t=<unix>,v1=<hex>) with
// stripe-go's webhook package: HMAC-SHA256 over "<t>.<body>", constant-time
// compare, and a timestamp tolerance.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint signing secret. A
// non-positive tolerance disables the timestamp check.
func NewStripeVerifier(secret types.SecretString, tolerance time.Duration) *StripeVerifier {
	return &StripeVerifier{secret: secret.Unmask(), tolerance: tolerance}
}

// Verify implements WebhookVerifier.
func (v *StripeVerifier) Verify(payload []byte, header http.Header) error {
	if v.secret == "" {
		return errSecretMissing(types.ProviderStripe)
	}
	sig := header.Get(HeaderStripeSignature)
	if sig == "" {
		return errSignature("missing Stripe-Signature header", webhook.ErrNotSigned)
	}

	var err error
	if v.tolerance > 0 {
		err = webhook.ValidatePayloadWithTolerance(payload, sig, v.secret, v.tolerance)
	} else {
		err = webhook.ValidatePayloadIgnoringTolerance(payload, sig, v.secret)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return errReplay("Stripe signature timestamp outside tolerance", err)
	default:
		return errSignature("Stripe signature verification failed", err)
	}
}

// ---------------------------------------------------------------------------
// Event Decoding
// ---------------------------------------------------------------------------

// StripeDecoder maps Stripe event envelopes onto normalized events.
type StripeDecoder struct {
	prices TierTable
}

// NewStripeDecoder creates a decoder that resolves tiers through prices.
func NewStripeDecoder(prices TierTable) *StripeDecoder {
	return &StripeDecoder{prices: prices}
}

var stripeEventTypes = map[stripe.EventType]types.EventType{
	stripe.EventTypeCheckoutSessionCompleted:    types.EventCheckoutCompleted,
	stripe.EventTypeCustomerSubscriptionCreated: types.EventSubscriptionCreated,
	stripe.EventTypeCustomerSubscriptionUpdated: types.EventSubscriptionUpdated,
	stripe.EventTypeCustomerSubscriptionDeleted: types.EventSubscriptionCancelled,
	stripe.EventTypeCustomerSubscriptionPaused:  types.EventSubscriptionPaused,
	stripe.EventTypeCustomerSubscriptionResumed: types.EventSubscriptionResumed,
	stripe.EventTypeInvoicePaid:                 types.EventPaymentSucceeded,
	stripe.EventTypeInvoicePaymentSucceeded:     types.EventPaymentSucceeded,
	stripe.EventTypeInvoicePaymentFailed:        types.EventPaymentFailed,
}

// Decode implements EventDecoder.
func (d *StripeDecoder) Decode(delivery types.RawDelivery) (*types.NormalizedEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(delivery.Body, &evt); err != nil {
		return nil, errDecode(types.ProviderStripe, "malformed Stripe event envelope", err)
	}
	if evt.Created <= 0 {
		return nil, errDecode(types.ProviderStripe, "Stripe event has no created timestamp", nil)
	}

	ev := &types.NormalizedEvent{
		Provider:          types.ProviderStripe,
		EventID:           evt.ID,
		EventType:         types.EventUnknown,
		ProviderEventType: string(evt.Type),
		ProviderEventTime: time.Unix(evt.Created, 0).UTC(),
	}

	mapped, known := stripeEventTypes[evt.Type]
	if !known {
		return finish(ev)
	}
	ev.EventType = mapped

	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, errDecode(types.ProviderStripe, "Stripe event has no data object", nil)
	}

	var err error
	switch mapped {
	case types.EventCheckoutCompleted:
		err = d.fromCheckout(ev, evt.Data.Raw)
	case types.EventPaymentSucceeded, types.EventPaymentFailed:
		err = d.fromInvoice(ev, evt.Data.Raw)
	default:
		err = d.fromSubscription(ev, evt.Data.Raw)
	}
	if err != nil {
		return nil, errDecode(types.ProviderStripe, "malformed Stripe data object", err)
	}
	if mapped == types.EventSubscriptionCancelled {
		ev.StatusHint = types.SubStatusCancelled
	}
	return finish(ev)
}

func (d *StripeDecoder) fromCheckout(ev *types.NormalizedEvent, raw []byte) error {
	var s stripeCheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	ev.AccountRef = firstNonEmpty(s.ClientReferenceID, s.Metadata["account_id"])
	ev.CustomerRef = string(s.Customer)
	ev.SubscriptionRef = string(s.Subscription)
	ev.TierHint = tierFromMetadata(s.Metadata)
	return nil
}

func (d *StripeDecoder) fromSubscription(ev *types.NormalizedEvent, raw []byte) error {
	var s stripeSubscriptionObject
	if err := json.Unmarshal(raw, &s); err != nil {
		return err
	}
	ev.AccountRef = s.Metadata["account_id"]
	ev.CustomerRef = string(s.Customer)
	ev.SubscriptionRef = s.ID
	ev.StatusHint = stripeStatus(s.Status)

	periodEnd := s.CurrentPeriodEnd
	var price stripePrice
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		price = item.Price
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	ev.PeriodEndHint = unixTime(periodEnd)
	ev.TierHint = d.tier(price, s.Metadata)
	return nil
}

func (d *StripeDecoder) fromInvoice(ev *types.NormalizedEvent, raw []byte) error {
	var inv stripeInvoiceObject
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	ev.CustomerRef = string(inv.Customer)

	subRef := string(inv.Subscription)
	var subMeta stringMap
	if inv.SubscriptionDetails != nil {
		subMeta = inv.SubscriptionDetails.Metadata
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subRef = firstNonEmpty(subRef, string(inv.Parent.SubscriptionDetails.Subscription))
		if subMeta == nil {
			subMeta = inv.Parent.SubscriptionDetails.Metadata
		}
	}
	ev.SubscriptionRef = subRef
	ev.AccountRef = firstNonEmpty(inv.Metadata["account_id"], subMeta["account_id"])

	var price stripePrice
	var periodEnd int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > periodEnd {
			periodEnd = line.Period.End
		}
		if price.ID == "" {
			switch {
			case line.Price != nil:
				price = *line.Price
			case line.Pricing != nil && line.Pricing.PriceDetails != nil:
				price.ID = line.Pricing.PriceDetails.Price
			}
		}
	}
	ev.PeriodEndHint = unixTime(periodEnd)
	ev.TierHint = d.tier(price, subMeta)
	return nil
}

// tier resolves the configured price table first, then metadata.
func (d *StripeDecoder) tier(price stripePrice, md stringMap) types.PlanTier {
	if t, ok := d.prices.Lookup(price.ID); ok {
		return t
	}
	if t := tierFromMetadata(md); t != "" {
		return t
	}
	return tierFromMetadata(price.Metadata)
}

func stripeStatus(s string) types.SubscriptionStatus {
	switch stripe.SubscriptionStatus(s) {
	case stripe.SubscriptionStatusTrialing:
		return types.SubStatusTrialing
	case stripe.SubscriptionStatusActive:
		return types.SubStatusActive
	case stripe.SubscriptionStatusPastDue:
		return types.SubStatusPastDue
	case stripe.SubscriptionStatusUnpaid:
		return types.SubStatusOnHold
	case stripe.SubscriptionStatusPaused:
		return types.SubStatusPaused
	case stripe.SubscriptionStatusCanceled:
		return types.SubStatusCancelled
	case stripe.SubscriptionStatusIncompleteExpired:
		return types.SubStatusExpired
	default:
		// incomplete and unknown statuses carry no hint
		return ""
	}
}

// ---------------------------------------------------------------------------
// Wire Types
// ---------------------------------------------------------------------------

// stripeRef is an object reference Stripe sends either as an ID string or as
// an expanded object.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*r = stripeRef(obj.ID)
		return nil
	}
	var id flexID
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*r = stripeRef(id)
	return nil
}

type stripeCheckoutSession struct {
	ID                string    `json:"id"`
	ClientReferenceID string    `json:"client_reference_id"`
	Customer          stripeRef `json:"customer"`
	Subscription      stripeRef `json:"subscription"`
	Metadata          stringMap `json:"metadata"`
}

type stripePrice struct {
	ID       string    `json:"id"`
	Metadata stringMap `json:"metadata"`
}

type stripeSubscriptionObject struct {
	ID               string    `json:"id"`
	Customer         stripeRef `json:"customer"`
	Status           string    `json:"status"`
	Metadata         stringMap `json:"metadata"`
	CurrentPeriodEnd int64     `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64       `json:"current_period_end"`
			Price            stripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeSubscriptionDetails struct {
	Subscription stripeRef `json:"subscription"`
	Metadata     stringMap `json:"metadata"`
}

type stripeInvoiceObject struct {
	ID                  string                     `json:"id"`
	Customer            stripeRef                  `json:"customer"`
	Subscription        stripeRef                  `json:"subscription"`
	Metadata            stringMap                  `json:"metadata"`
	SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price   *stripePrice `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}
