package core

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"billingsync/internal/types"
)

// OpsTokenCost is the bcrypt cost used when hashing ops tokens.
const OpsTokenCost = 12

// OpsTokenAuth authenticates read API callers with a static bearer token
// compared against a bcrypt hash (OPS_TOKEN_HASH).
//
// Verified tokens are remembered by SHA-256 digest so bcrypt runs once per
// distinct token rather than on every request.
type OpsTokenAuth struct {
	hash   []byte
	logger *slog.Logger

	verified sync.Map // sha256 hex -> struct{}
}

// NewOpsTokenAuth returns nil when hash is not set, which leaves the read API
// unmounted.
func NewOpsTokenAuth(hash types.SecretString, logger *slog.Logger) *OpsTokenAuth {
	if !hash.IsSet() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsTokenAuth{hash: []byte(hash.Unmask()), logger: logger}
}

// HashOpsToken returns the bcrypt hash to configure as OPS_TOKEN_HASH.
func HashOpsToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), OpsTokenCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Middleware rejects requests without a valid bearer token with 401:
//   - auth_token_missing: no Authorization header or empty Bearer token.
//   - auth_token_invalid: token does not match the configured hash.
func (a *OpsTokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if !a.check(token) {
			a.logger.WarnContext(r.Context(), types.LogSecurityEvent+": ops token rejected",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid authentication token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *OpsTokenAuth) check(token string) bool {
	sum := sha256.Sum256([]byte(token))
	digest := hex.EncodeToString(sum[:])
	if _, ok := a.verified.Load(digest); ok {
		return true
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return false
	}
	a.verified.Store(digest, struct{}{})
	return true
}

// extractBearerToken parses "Bearer <token>" (case-insensitive scheme per
// RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// writeAuthError writes a 401 Unauthorized JSON response with the given code.
func writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
