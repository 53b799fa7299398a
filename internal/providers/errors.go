// Package providers contains the external provider adapters and the
// cache/circuit-breaker/retry wrapper applied to every outbound call.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/link-scanner/internal/circuitbreaker"
)

// ErrorClass buckets provider failures for metrics and the retry predicate.
type ErrorClass string

const (
	ClassTimeout       ErrorClass = "timeout"
	ClassRateLimited   ErrorClass = "rate_limited"
	ClassServerError   ErrorClass = "server_error"
	ClassClientError   ErrorClass = "client_error"
	ClassCircuitOpen   ErrorClass = "circuit_open"
	ClassQuotaExceeded ErrorClass = "quota_exceeded"
	ClassUnknown       ErrorClass = "unknown"
)

// Error is a provider failure normalized at the adapter boundary.
// Status is the HTTP status when one was observed, zero otherwise.
type Error struct {
	Provider string
	Status   int
	Message  string
	Quota    bool
	cause    error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// NewHTTPError wraps a non-2xx provider response.
func NewHTTPError(provider string, status int, message string) *Error {
	return &Error{Provider: provider, Status: status, Message: message}
}

// NewQuotaError marks a provider as out of quota, which disables it for a
// cooldown period rather than triggering retries.
func NewQuotaError(provider string, message string) *Error {
	return &Error{Provider: provider, Message: message, Quota: true}
}

// WrapError attaches provider identity to a transport-level failure.
func WrapError(provider string, err error) *Error {
	return &Error{Provider: provider, Message: err.Error(), cause: err}
}

// Classify maps an error onto its class per the orchestrator's taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return ClassCircuitOpen
	}

	var pe *Error
	if errors.As(err, &pe) {
		if pe.Quota {
			return ClassQuotaExceeded
		}
		switch {
		case pe.Status == 429:
			return ClassRateLimited
		case pe.Status == 408:
			return ClassTimeout
		case pe.Status >= 500:
			return ClassServerError
		case pe.Status >= 400:
			return ClassClientError
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "circuit") && strings.Contains(msg, "open") {
		return ClassCircuitOpen
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return ClassTimeout
	}

	return ClassUnknown
}

// ShouldRetry reports whether a failed call is worth repeating. Rate
// limited (429) and other 4xx responses are never retried; timeouts,
// 408, 5xx and errors with no recognizable code are.
func ShouldRetry(err error) bool {
	switch Classify(err) {
	case ClassTimeout, ClassServerError, ClassUnknown:
		return true
	default:
		return false
	}
}
