package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and repositories MUST use these instead of
// hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidID    ErrorCode = "validation_invalid_identifier"
	ErrCodeValidationBodyTooLarge ErrorCode = "validation_body_too_large"

	// Auth (401)
	ErrCodeAuthTokenMissing         ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid         ErrorCode = "auth_token_invalid"
	ErrCodeAuthWebhookSignature     ErrorCode = "auth_webhook_signature_invalid"
	ErrCodeAuthWebhookReplay        ErrorCode = "auth_webhook_timestamp_outside_tolerance"
	ErrCodeAuthWebhookSecretMissing ErrorCode = "auth_webhook_secret_not_configured"

	// Not Found (404)
	ErrCodeNotFoundAccount  ErrorCode = "not_found_account"
	ErrCodeNotFoundProvider ErrorCode = "not_found_provider"

	// Webhook handling outcomes. These never surface as a failure status to a
	// provider; they are acknowledged with 200.
	ErrCodeWebhookDecode          ErrorCode = "webhook_decode_failed"
	ErrCodeWebhookOrphanAccount   ErrorCode = "webhook_orphan_account"
	ErrCodeWebhookPolicyViolation ErrorCode = "webhook_policy_violation"
	ErrCodeWebhookStaleEvent      ErrorCode = "webhook_stale_event"

	// Conflict (409)
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Internal/Upstream (500/503). Only these are retryable.
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeInternalCASExhaust  ErrorCode = "internal_cas_retries_exhausted"
	ErrCodeInternalTimeout     ErrorCode = "internal_processing_deadline_exceeded"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case c == ErrCodeValidationBodyTooLarge:
		return http.StatusRequestEntityTooLarge // 413
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "webhook_"):
		return http.StatusOK // acknowledged, never retried
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case c == ErrCodeInternalTimeout, c == ErrCodeInternalCASExhaust, c == ErrCodeInternalDB:
		return http.StatusServiceUnavailable // 503
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError // 500
	}
}

// Retryable reports whether an error with this code is an infrastructure
// failure that a redelivery may fix.
func (c ErrorCode) Retryable() bool {
	s := string(c)
	return strings.HasPrefix(s, "internal_") || strings.HasPrefix(s, "upstream_")
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError so they format consistently, map to an
// HTTP status, and keep their error chain.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or
// ErrCodeInternalUnexpected when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}

// IsRetryable reports whether err is an infrastructure failure. Errors that
// are not AppErrors are treated as infrastructure failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return CodeOf(err).Retryable()
}

// Storage sentinels. Stores return these (possibly wrapped) so the engine can
// tell contention and replays apart from outages.
var (
	// ErrVersionConflict means the record changed since it was read.
	ErrVersionConflict = errors.New("subscription record version conflict")
	// ErrAlreadyApplied means an audit entry for the event already exists.
	ErrAlreadyApplied = errors.New("event already applied")
	// ErrAccountNotFound means an account reference resolved to no account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountAmbiguous means an account reference resolved to more than
	// one account.
	ErrAccountAmbiguous = errors.New("account reference is ambiguous")
)
