package errors

import "net/http"

// ErrorCode represents a machine-readable error identifier returned to API clients.
type ErrorCode string

// Request validation errors
const (
	ErrCodeInvalidRequest ErrorCode = "invalid_request"
	ErrCodeMissingField   ErrorCode = "missing_field"
	ErrCodeInvalidField   ErrorCode = "invalid_field"
	ErrCodeInvalidStatus  ErrorCode = "invalid_status"
)

// Confirmation signal errors
const (
	ErrCodeInvalidSignature  ErrorCode = "invalid_signature"
	ErrCodeInvalidPayload    ErrorCode = "invalid_payload"
	ErrCodeOracleUnavailable ErrorCode = "oracle_unavailable"
	ErrCodeAmountMismatch    ErrorCode = "amount_mismatch"
)

// Resource/state errors
const (
	ErrCodePurchaseNotFound  ErrorCode = "purchase_not_found"
	ErrCodeTicketNotFound    ErrorCode = "ticket_not_found"
	ErrCodeDeliveryNotFound  ErrorCode = "delivery_not_found"
	ErrCodeDuplicatePurchase ErrorCode = "duplicate_purchase"
	ErrCodeIdempotencyReuse  ErrorCode = "idempotency_key_reused"
)

// Access errors
const (
	ErrCodeUnauthorized      ErrorCode = "unauthorized"
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
)

// Internal/system errors
const (
	ErrCodeInternalError       ErrorCode = "internal_error"
	ErrCodeDatabaseError       ErrorCode = "database_error"
	ErrCodeTokenSpaceExhausted ErrorCode = "token_space_exhausted"
)

// IsRetryable reports whether the client should retry the same request later.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeOracleUnavailable,
		ErrCodeDatabaseError,
		ErrCodeRateLimitExceeded:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidRequest,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidStatus,
		ErrCodeInvalidPayload:
		return http.StatusBadRequest

	case ErrCodeInvalidSignature,
		ErrCodeUnauthorized:
		return http.StatusUnauthorized

	case ErrCodePurchaseNotFound,
		ErrCodeTicketNotFound,
		ErrCodeDeliveryNotFound:
		return http.StatusNotFound

	case ErrCodeDuplicatePurchase,
		ErrCodeAmountMismatch:
		return http.StatusConflict

	case ErrCodeIdempotencyReuse:
		return http.StatusUnprocessableEntity

	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests

	case ErrCodeOracleUnavailable:
		return http.StatusBadGateway

	case ErrCodeDatabaseError:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
