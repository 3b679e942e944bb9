package errors

import (
	"net/http"
	"strconv"

	"github.com/CedrosPay/ticketing/pkg/responders"
)

// ErrorResponse is the error envelope returned by every endpoint:
//
//	{"error":{"code":"...","message":"...","retryable":false,"details":{...}}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`

	status     int
	retryAfter int
}

// ErrorDetail is the body of the envelope.
type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// New starts an envelope for code. The status defaults to code.HTTPStatus().
func New(code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: code.IsRetryable(),
		},
		status: code.HTTPStatus(),
	}
}

// With adds one detail field.
func (e *ErrorResponse) With(key string, value any) *ErrorResponse {
	if e.Error.Details == nil {
		e.Error.Details = make(map[string]any, 1)
	}
	e.Error.Details[key] = value
	return e
}

// Status overrides the HTTP status.
func (e *ErrorResponse) Status(status int) *ErrorResponse {
	e.status = status
	return e
}

// RetryAfter sets the Retry-After header, in seconds.
func (e *ErrorResponse) RetryAfter(seconds int) *ErrorResponse {
	e.retryAfter = seconds
	return e
}

// Write sends the envelope.
func (e *ErrorResponse) Write(w http.ResponseWriter) {
	if e.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.retryAfter))
	}
	responders.JSON(w, e.status, e)
}

// WriteSimpleError writes an error with no details.
func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	New(code, message).Write(w)
}

// WriteErrorWithDetail writes an error with a single detail field.
func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message string, key string, value any) {
	New(code, message).With(key, value).Write(w)
}
