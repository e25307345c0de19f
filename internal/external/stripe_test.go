package external

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"billingsync/internal/types"
)

const testStripeSecret = "whsec_test_secret"

func stripeHeader(sig string) http.Header {
	h := http.Header{}
	if sig != "" {
		h.Set(HeaderStripeSignature, sig)
	}
	return h
}

func signStripe(payload []byte, secret string, at time.Time) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return stripeHeader(signed.Header)
}

func assertCode(t *testing.T, err error, want types.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, types.CodeOf(err))
}

// ---------------------------------------------------------------------------
// StripeVerifier Tests
// ---------------------------------------------------------------------------

func TestStripeVerifier_ValidSignature(t *testing.T) {
	v := NewStripeVerifier(testStripeSecret, 5*time.Minute)
	payload := []byte(`{"id":"evt_test","type":"checkout.session.completed"}`)

	assert.NoError(t, v.Verify(payload, signStripe(payload, testStripeSecret, time.Now())))
}

func TestStripeVerifier_TamperedBody(t *testing.T) {
	v := NewStripeVerifier(testStripeSecret, 5*time.Minute)
	payload := []byte(`{"id":"evt_test","amount":100}`)
	header := signStripe(payload, testStripeSecret, time.Now())

	err := v.Verify([]byte(`{"id":"evt_test","amount":999}`), header)
	assertCode(t, err, types.ErrCodeAuthWebhookSignature)
}

func TestStripeVerifier_WrongSecret(t *testing.T) {
	v := NewStripeVerifier(testStripeSecret, 5*time.Minute)
	payload := []byte(`{"id":"evt_test"}`)

	err := v.Verify(payload, signStripe(payload, "whsec_other", time.Now()))
	assertCode(t, err, types.ErrCodeAuthWebhookSignature)
}

func TestStripeVerifier_MissingHeader(t *testing.T) {
	v := NewStripeVerifier(testStripeSecret, 5*time.Minute)

	err := v.Verify([]byte(`{"id":"evt_test"}`), stripeHeader(""))
	assertCode(t, err, types.ErrCodeAuthWebhookSignature)
}

func TestStripeVerifier_MalformedHeader(t *testing.T) {
	v := NewStripeVerifier(testStripeSecret, 5*time.Minute)

	err := v.Verify([]byte(`{"id":"evt_test"}`), stripeHeader("garbage"))
	assertCode(t, err, types.ErrCodeAuthWebhookSignature)
}

func TestStripeVerifier_ExpiredTimestamp(t *testing.T) {
	v := NewStripeVerifier(testStripeSecret, 5*time.Minute)
	payload := []byte(`{"id":"evt_test"}`)

	oldTime := time.Now().Add(-10 * time.Minute)
	sig := webhook.ComputeSignature(oldTime, payload, testStripeSecret)
	header := stripeHeader(fmt.Sprintf("t=%d,v1=%s", oldTime.Unix(), hex.EncodeToString(sig)))

	err := v.Verify(payload, header)
	assertCode(t, err, types.ErrCodeAuthWebhookReplay)
}

func TestStripeVerifier_ZeroToleranceAcceptsOld(t *testing.T) {
	v := NewStripeVerifier(testStripeSecret, 0)
	payload := []byte(`{"id":"evt_test"}`)

	assert.NoError(t, v.Verify(payload, signStripe(payload, testStripeSecret, time.Now().Add(-time.Hour))))
}

func TestStripeVerifier_SecretNotConfigured(t *testing.T) {
	v := NewStripeVerifier("", 5*time.Minute)
	payload := []byte(`{"id":"evt_test"}`)

	err := v.Verify(payload, signStripe(payload, testStripeSecret, time.Now()))
	assertCode(t, err, types.ErrCodeAuthWebhookSecretMissing)
}

// ---------------------------------------------------------------------------
// StripeDecoder Tests
// ---------------------------------------------------------------------------

func stripeDelivery(body string) types.RawDelivery {
	return types.RawDelivery{Provider: types.ProviderStripe, Body: []byte(body)}
}

func testStripeDecoder() *StripeDecoder {
	return NewStripeDecoder(TierTable{"price_pro_monthly": types.PlanPro})
}

func TestStripeDecoder_CheckoutCompleted(t *testing.T) {
	body := `{
		"id": "evt_checkout_1",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1700000000,
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"client_reference_id": "acct_42",
			"customer": "cus_123",
			"subscription": "sub_456",
			"metadata": {"tier": "enterprise"}
		}}
	}`

	ev, err := testStripeDecoder().Decode(stripeDelivery(body))
	require.NoError(t, err)

	assert.Equal(t, types.ProviderStripe, ev.Provider)
	assert.Equal(t, "evt_checkout_1", ev.EventID)
	assert.Equal(t, types.EventCheckoutCompleted, ev.EventType)
	assert.Equal(t, "checkout.session.completed", ev.ProviderEventType)
	assert.Equal(t, "acct_42", ev.AccountRef)
	assert.Equal(t, "cus_123", ev.CustomerRef)
	assert.Equal(t, "sub_456", ev.SubscriptionRef)
	assert.Equal(t, types.PlanEnterprise, ev.TierHint)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.ProviderEventTime)
}

func TestStripeDecoder_CheckoutMetadataAccountFallback(t *testing.T) {
	body := `{"id":"evt_2","type":"checkout.session.completed","created":1700000000,
		"data":{"object":{"id":"cs_2","customer":{"id":"cus_expanded","object":"customer"},"metadata":{"account_id":"acct_meta"}}}}`

	ev, err := testStripeDecoder().Decode(stripeDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, "acct_meta", ev.AccountRef)
	assert.Equal(t, "cus_expanded", ev.CustomerRef)
}

func TestStripeDecoder_SubscriptionUpdated(t *testing.T) {
	body := `{"id":"evt_sub_upd","type":"customer.subscription.updated","created":1700000500,
		"data":{"object":{
			"id":"sub_456","customer":"cus_123","status":"past_due",
			"metadata":{"account_id":"acct_42"},
			"items":{"data":[{"current_period_end":1702592000,"price":{"id":"price_pro_monthly"}}]}
		}}}`

	ev, err := testStripeDecoder().Decode(stripeDelivery(body))
	require.NoError(t, err)

	assert.Equal(t, types.EventSubscriptionUpdated, ev.EventType)
	assert.Equal(t, types.SubStatusPastDue, ev.StatusHint)
	assert.Equal(t, types.PlanPro, ev.TierHint)
	assert.Equal(t, "sub_456", ev.SubscriptionRef)
	require.NotNil(t, ev.PeriodEndHint)
	assert.Equal(t, time.Unix(1702592000, 0).UTC(), *ev.PeriodEndHint)
}

func TestStripeDecoder_SubscriptionDeletedIsCancelled(t *testing.T) {
	body := `{"id":"evt_del","type":"customer.subscription.deleted","created":1700000900,
		"data":{"object":{"id":"sub_456","customer":"cus_123","status":"canceled","current_period_end":1700000900}}}`

	ev, err := testStripeDecoder().Decode(stripeDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, types.EventSubscriptionCancelled, ev.EventType)
	assert.Equal(t, types.SubStatusCancelled, ev.StatusHint)
}

func TestStripeDecoder_InvoiceSubscriptionDetails(t *testing.T) {
	t.Run("legacy subscription_details", func(t *testing.T) {
		body := `{"id":"evt_inv_1","type":"invoice.paid","created":1700001000,
			"data":{"object":{"id":"in_1","customer":"cus_123","subscription":"sub_456",
				"subscription_details":{"metadata":{"account_id":"acct_42"}},
				"lines":{"data":[{"period":{"end":1702600000},"price":{"id":"price_pro_monthly"}}]}}}}`

		ev, err := testStripeDecoder().Decode(stripeDelivery(body))
		require.NoError(t, err)
		assert.Equal(t, types.EventPaymentSucceeded, ev.EventType)
		assert.Equal(t, "acct_42", ev.AccountRef)
		assert.Equal(t, "sub_456", ev.SubscriptionRef)
		assert.Equal(t, types.PlanPro, ev.TierHint)
		require.NotNil(t, ev.PeriodEndHint)
		assert.Equal(t, int64(1702600000), ev.PeriodEndHint.Unix())
	})

	t.Run("parent subscription_details", func(t *testing.T) {
		body := `{"id":"evt_inv_2","type":"invoice.payment_failed","created":1700001000,
			"data":{"object":{"id":"in_2","customer":"cus_123",
				"parent":{"subscription_details":{"subscription":"sub_789","metadata":{"account_id":"acct_7","tier":"enterprise"}}},
				"lines":{"data":[{"period":{"end":1702600000},"pricing":{"price_details":{"price":"price_unmapped"}}}]}}}}`

		ev, err := testStripeDecoder().Decode(stripeDelivery(body))
		require.NoError(t, err)
		assert.Equal(t, types.EventPaymentFailed, ev.EventType)
		assert.Equal(t, "acct_7", ev.AccountRef)
		assert.Equal(t, "sub_789", ev.SubscriptionRef)
		assert.Equal(t, types.PlanEnterprise, ev.TierHint)
	})
}

func TestStripeDecoder_UnknownType(t *testing.T) {
	body := `{"id":"evt_x","type":"charge.refunded","created":1700000000,"data":{"object":{"id":"ch_1"}}}`

	ev, err := testStripeDecoder().Decode(stripeDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, types.EventUnknown, ev.EventType)
	assert.Equal(t, "charge.refunded", ev.ProviderEventType)
	assert.Empty(t, ev.AccountRef)
}

func TestStripeDecoder_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `not-json`},
		{"missing id", `{"type":"invoice.paid","created":1700000000,"data":{"object":{}}}`},
		{"missing created", `{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`},
		{"missing data", `{"id":"evt_1","type":"invoice.paid","created":1700000000}`},
		{"bad object", `{"id":"evt_1","type":"invoice.paid","created":1700000000,"data":{"object":{"lines":"oops"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testStripeDecoder().Decode(stripeDelivery(tt.body))
			assertCode(t, err, types.ErrCodeWebhookDecode)
		})
	}
}

func TestStripeDecoder_Deterministic(t *testing.T) {
	body := `{"id":"evt_d","type":"customer.subscription.created","created":1700000000,
		"data":{"object":{"id":"sub_1","customer":"cus_1","status":"trialing","metadata":{"account_id":"acct_1"}}}}`
	d := testStripeDecoder()

	first, err := d.Decode(stripeDelivery(body))
	require.NoError(t, err)
	second, err := d.Decode(stripeDelivery(body))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, types.SubStatusTrialing, first.StatusHint)
}

func TestStripeStatusMapping(t *testing.T) {
	tests := map[string]types.SubscriptionStatus{
		"trialing":           types.SubStatusTrialing,
		"active":             types.SubStatusActive,
		"past_due":           types.SubStatusPastDue,
		"unpaid":             types.SubStatusOnHold,
		"paused":             types.SubStatusPaused,
		"canceled":           types.SubStatusCancelled,
		"incomplete_expired": types.SubStatusExpired,
		"incomplete":         "",
		"something_new":      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, stripeStatus(in), in)
	}
}
