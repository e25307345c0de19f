package external

import (
	"net/http"

	"billingsync/internal/types"
)

// WebhookVerifier authenticates a raw webhook delivery. Implementations work
// on the unparsed body and must not decode it before the signature passes.
type WebhookVerifier interface {
	// Verify returns nil when the payload carries a valid signature from the
	// provider, or an *types.AppError with an auth_ code otherwise.
	Verify(payload []byte, header http.Header) error
}

// EventDecoder maps a verified provider payload onto the normalized event
// model. Decode is pure: the same delivery always yields the same event.
type EventDecoder interface {
	// Decode returns an *types.AppError with ErrCodeWebhookDecode when the
	// payload is not understood. Unrecognized event types are not errors;
	// they decode to types.EventUnknown.
	Decode(delivery types.RawDelivery) (*types.NormalizedEvent, error)
}

// Signed webhook headers per provider.
const (
	HeaderStripeSignature = "Stripe-Signature"
	HeaderLemonSignature  = "X-Signature"
	HeaderLemonTimestamp  = "X-Webhook-Timestamp"
	HeaderLemonEventName  = "X-Event-Name"
)
