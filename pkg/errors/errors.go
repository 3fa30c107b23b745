// Package errors defines unified error types for gateway operations.
// Quota, provider, and policy failures are all mapped to these standard
// error types before anything reaches a client.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// GatewayError represents a standardized error from the inference gateway.
// It contains all necessary information for error handling, logging, and client response.
type GatewayError struct {
	StatusCode int           `json:"status_code"`
	Message    string        `json:"message"`
	Type       string        `json:"type"`
	Model      string        `json:"model"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Retryable  bool          `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (model=%s, code=%d)",
		e.Type, e.Message, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeQuotaExceeded     = "quota_exceeded"
	TypeProviderThrottled = "provider_throttled"
	TypeContentPolicy     = "content_policy_violation"
	TypeProviderTransport = "provider_transport_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeRateLimited       = "rate_limited"
	TypeInternalError     = "internal_error"
)

// NewQuotaExceededError creates a quota exceeded error (429).
// retryAfter is the wait after which an identical request could be admitted.
func NewQuotaExceededError(model, message string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeQuotaExceeded,
		Model:      model,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewProviderThrottledError creates an error for upstream-reported throttling (429).
func NewProviderThrottledError(model, message string, retryAfter time.Duration) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeProviderThrottled,
		Model:      model,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewContentPolicyError creates a content policy violation error (400).
// The message is always a fixed replacement notice, never the triggering content.
func NewContentPolicyError(model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeContentPolicy,
		Model:      model,
		Retryable:  false,
	}
}

// NewProviderTransportError creates an error for a transport-level provider failure (502).
func NewProviderTransportError(model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeProviderTransport,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitedError creates a transport-level pacing error (429). Unlike
// quota denial it carries no model and no quota state.
func NewRateLimitedError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimited,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(model, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Model:      model,
		Retryable:  false,
	}
}

// IsThrottle reports whether err is an upstream throttle signal that should
// escalate provider backoff rather than count as a plain transport failure.
func IsThrottle(err error) bool {
	ge, ok := err.(*GatewayError)
	return ok && ge.Type == TypeProviderThrottled
}
