// Package apierr holds the normalized completion error taxonomy shared by
// routing, admission, adapters and the HTTP surface.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Vendor-neutral error codes.
const (
	CodeValidation          = "validation_error"
	CodeNotFound            = "not_found"
	CodeCapacityExceeded    = "rate_limit_exceeded"
	CodeBlockedByRouting    = "blocked_by_routing_condition"
	CodeUnknown             = "unknown_error"
	CodeInternal            = "internal_error"
	CodeConnectionInvalid   = "ai_connection_config_invalid"
	CodeModelNotAllowed     = "ai_connection_model_not_allowed"
	CodeProviderNotFound    = "ai_provider_not_found"
	CodeResourceNotFound    = "ai_resource_not_found"
	CodeConnectionNotFound  = "ai_connection_not_found"
	CodeSecondaryNotFound   = "completion_secondary_model_not_found"
	CodeKeyResourceDenied   = "api_key_resource_not_allowed"
	CodeStoreUnavailable    = "capacity_store_unavailable"
	CodeNoCompletion        = "no_completion_response"
	CodeInvalidRequest      = "invalid_request"
	CodeAuthenticationError = "authentication_error"
)

// Error is the uniform error every layer returns once a failure leaves its
// boundary. Vendor exception types never escape an adapter.
type Error struct {
	StatusCode    int
	Message       string
	Code          string
	Type          string
	Param         string
	Rate          bool
	Retryable     bool
	RetryDelay    time.Duration
	FailureReason string
	Headers       map[string]string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error for logs. It is never rendered to callers.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) WithParam(param string) *Error {
	e.Param = param
	return e
}

func (e *Error) WithHeaders(headers map[string]string) *Error {
	e.Headers = headers
	return e
}

// Validation reports malformed connection configuration or request input.
func Validation(code, message string) *Error {
	return &Error{
		StatusCode:    http.StatusBadRequest,
		Message:       message,
		Code:          code,
		Type:          "invalid_request_error",
		FailureReason: "Invalid request",
	}
}

// NotFound reports a missing connection, resource or provider.
func NotFound(code, message string) *Error {
	return &Error{
		StatusCode:    http.StatusNotFound,
		Message:       message,
		Code:          code,
		Type:          "not_found_error",
		FailureReason: "Not found",
	}
}

// Forbidden reports a caller credential that is not allowed to use a resource.
func Forbidden(code, message string) *Error {
	return &Error{
		StatusCode:    http.StatusForbidden,
		Message:       message,
		Code:          code,
		Type:          "permission_error",
		FailureReason: "Forbidden",
	}
}

// Unauthorized reports a missing, unknown or disabled caller credential.
func Unauthorized(message string) *Error {
	return &Error{
		StatusCode:    http.StatusUnauthorized,
		Message:       message,
		Code:          CodeAuthenticationError,
		Type:          "authentication_error",
		FailureReason: "Unauthorized",
	}
}

// CapacityExceeded is returned by the admission gate before any upstream call.
func CapacityExceeded(message, failureReason string, retryDelay time.Duration) *Error {
	return &Error{
		StatusCode:    http.StatusTooManyRequests,
		Message:       message,
		Code:          CodeCapacityExceeded,
		Type:          "rate_limit_error",
		Rate:          true,
		Retryable:     true,
		RetryDelay:    retryDelay,
		FailureReason: failureReason,
	}
}

// Blocked is returned when a BLOCK routing group matches.
func Blocked(description string) *Error {
	return &Error{
		StatusCode:    http.StatusBadRequest,
		Message:       "Request blocked by routing condition: " + description,
		Code:          CodeBlockedByRouting,
		Type:          "invalid_request_error",
		FailureReason: "Blocked by routing condition",
	}
}

var retryableUpstreamStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryableStatus reports whether a vendor status is retried by callers.
func IsRetryableStatus(status int) bool {
	return retryableUpstreamStatus[status]
}

// Upstream wraps a vendor API error. Retryable only for 500/502/503/504.
func Upstream(status int, code, message string) *Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if code == "" {
		code = CodeUnknown
	}
	return &Error{
		StatusCode:    status,
		Message:       message,
		Code:          code,
		Type:          "api_error",
		Retryable:     IsRetryableStatus(status),
		FailureReason: "External API error",
	}
}

// UpstreamRateLimit wraps a vendor rate-limit response.
func UpstreamRateLimit(message string, retryDelay time.Duration) *Error {
	return &Error{
		StatusCode:    http.StatusTooManyRequests,
		Message:       message,
		Code:          "rate_limit_exceeded",
		Type:          "rate_limit_error",
		Rate:          true,
		Retryable:     true,
		RetryDelay:    retryDelay,
		FailureReason: "Rate limit exceeded",
	}
}

// Unsupported reports input the resolved vendor cannot accept.
func Unsupported(code, message string) *Error {
	return &Error{
		StatusCode:    http.StatusBadRequest,
		Message:       message,
		Code:          code,
		Type:          "invalid_request_error",
		FailureReason: "Unsupported input",
	}
}

// Internal reports an unexpected condition such as an unrecognized vendor
// response shape.
func Internal(code, message string) *Error {
	if code == "" {
		code = CodeInternal
	}
	return &Error{
		StatusCode:    http.StatusInternalServerError,
		Message:       message,
		Code:          code,
		Type:          "api_error",
		FailureReason: "Internal server error",
	}
}

// StoreUnavailable fails a request closed when the counter store cannot be reached.
func StoreUnavailable(err error) *Error {
	return (&Error{
		StatusCode:    http.StatusServiceUnavailable,
		Message:       "Capacity store unavailable",
		Code:          CodeStoreUnavailable,
		Type:          "api_error",
		FailureReason: "Capacity store unavailable",
	}).WithCause(err)
}

// As unwraps err into an *Error when one is present in the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From normalizes any error into the taxonomy.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Internal(CodeInternal, "Internal server error").WithCause(err)
}
