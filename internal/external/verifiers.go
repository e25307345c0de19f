package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"billingsync/internal/types"
)

func errSignature(msg string, err error) error {
	return types.NewAppError(types.ErrCodeAuthWebhookSignature, msg, err)
}

func errReplay(msg string, err error) error {
	return types.NewAppError(types.ErrCodeAuthWebhookReplay, msg, err)
}

func errSecretMissing(p types.Provider) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeAuthWebhookSecretMissing,
		"webhook signing secret is not configured",
		nil,
		map[string]any{"provider": string(p)},
	)
}

// hmacSHA256 returns the HMAC-SHA256 of the concatenated parts under secret.
func hmacSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// withinTolerance reports whether ts lies no further than tolerance from now
// in either direction. A zero tolerance disables the check.
func withinTolerance(ts, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		return true
	}
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
