// Package apperr holds the error taxonomy shared by every component. Domain
// errors wrap one of these sentinels so callers (HTTP, workers) can classify
// a failure with errors.Is without knowing the concrete type.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation: bad input, never retried.
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	// ErrStockConflict: transient, caller should re-fetch and may retry.
	ErrStockConflict = errors.New("stock conflict")
	// ErrGatewayUnavailable: transient, safe to retry with the same idempotency key.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrForbidden          = errors.New("forbidden")
)

// Validation builds an error wrapping ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Retryable reports whether a failure is transient from the caller's point of view.
func Retryable(err error) bool {
	return errors.Is(err, ErrStockConflict) || errors.Is(err, ErrGatewayUnavailable)
}
