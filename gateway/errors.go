package gateway

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error is a failure reported by, or while talking to, the gateway.
// Permanent errors (semantic 4xx, explicit invalid data) must never be
// retried; everything else is transient and subject to backoff and the
// circuit breaker.
type Error struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("gateway %s error %s: %s", kind, e.Code, e.Message)
}

// NewTransient builds a retryable gateway error.
func NewTransient(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewPermanent builds a non-retryable gateway error.
func NewPermanent(code, message string) *Error {
	return &Error{Code: code, Message: message, Permanent: true}
}

// IsPermanent reports whether the error is a permanent gateway error.
func IsPermanent(err error) bool {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Permanent
	}
	return false
}

// IsTransient reports whether the error is a transient gateway error.
func IsTransient(err error) bool {
	var gatewayErr *Error
	if errors.As(err, &gatewayErr) {
		return !gatewayErr.Permanent
	}
	return false
}
