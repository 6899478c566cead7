// Package errors provides typed application errors for the Orkiva supervisor.
package errors

import (
	"errors"
	"fmt"
)

// Validation errors. Fatal to the specific job or row, never retried.
const (
	CodeInvalidArgument         = "INVALID_ARGUMENT"
	CodeSequenceViolation       = "SEQUENCE_VIOLATION"
	CodeSequenceOverflow        = "SEQUENCE_OVERFLOW"
	CodeCursorRegression        = "CURSOR_REGRESSION"
	CodeInvalidThreadTransition = "INVALID_THREAD_TRANSITION"
)

// Identity and auth errors, surfaced at the boundary and only propagated here.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInvalidClaims     = "INVALID_CLAIMS"
	CodeClaimMismatch     = "CLAIM_MISMATCH"
	CodeWorkspaceMismatch = "WORKSPACE_MISMATCH"
)

// Scope and concurrency errors.
const (
	CodeSessionScopeMismatch = "SESSION_SCOPE_MISMATCH"
	CodeIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	CodeConflict             = "CONFLICT"
	CodeNotFound             = "NOT_FOUND"
)

// Delivery errors produced by the PTY adapter and ack wait.
const (
	CodeUnsupportedRuntime     = "UNSUPPORTED_RUNTIME"
	CodeTargetNotFound         = "TARGET_NOT_FOUND"
	CodePaneDead               = "PANE_DEAD"
	CodeSendKeysError          = "SEND_KEYS_ERROR"
	CodeTriggerPayloadEmpty    = "TRIGGER_PAYLOAD_EMPTY"
	CodeTriggerPayloadTooLarge = "TRIGGER_PAYLOAD_TOO_LARGE"
	CodeAckTimeout             = "ACK_TIMEOUT"
)

// Fallback executor errors.
const (
	CodeFallbackSpawnFailed = "FALLBACK_SPAWN_FAILED"
	CodeFallbackCrashLoop   = "FALLBACK_CRASH_LOOP"
)

// Callback poster errors.
const (
	CodeCallbackAuthTokenMissing = "CALLBACK_AUTH_TOKEN_MISSING"
	CodeCallbackHTTPRetryable    = "CALLBACK_HTTP_RETRYABLE"
	CodeCallbackHTTPFatal        = "CALLBACK_HTTP_FATAL"
	CodeCallbackNetworkError     = "CALLBACK_NETWORK_ERROR"
	CodeCallbackRequestTimeout   = "CALLBACK_REQUEST_TIMEOUT"
)

// Rate, resource, and internal errors.
const (
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL"
)

// AppError is an application error carrying a stable code, a retryability
// classification, and optional structured details for attempt records.
type AppError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of the error with the given details attached.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// New creates a non-retryable AppError with the given code.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a non-retryable AppError with a formatted message.
func Newf(code, format string, args ...interface{}) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable creates an AppError that consumes an attempt and backs off.
func Retryable(code, message string) *AppError {
	return &AppError{Code: code, Message: message, Retryable: true}
}

// InvalidArgument creates a validation error for a specific field.
func InvalidArgument(field, message string) *AppError {
	return &AppError{
		Code:    CodeInvalidArgument,
		Message: fmt.Sprintf("invalid value for %q: %s", field, message),
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// Wrap wraps an existing error, preserving an AppError's code and
// classification when present.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:      appErr.Code,
			Message:   fmt.Sprintf("%s: %s", message, appErr.Message),
			Retryable: appErr.Retryable,
			Details:   appErr.Details,
			Err:       err,
		}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf extracts the application error code, or INTERNAL for foreign errors.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error is classified as retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// Is reports whether the error carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// DetailsOf extracts structured details, or nil.
func DetailsOf(err error) map[string]interface{} {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}
