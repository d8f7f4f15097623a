// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across transport/service layers.
var (
	// ErrUnauthorized indicates there is no authenticated session for the user.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionExpired indicates the stored credential could not be refreshed.
	ErrSessionExpired = errors.New("session expired")

	// ErrNoActiveTransfer indicates input arrived with no transfer conversation open.
	ErrNoActiveTransfer = errors.New("no active transfer")

	// ErrWrongStep indicates input intended for a step other than the current one.
	ErrWrongStep = errors.New("wrong step")

	// ErrNetwork indicates no response was received from the ledger backend.
	ErrNetwork = errors.New("network error")
)

// ValidationError is a malformed-user-input outcome. It is resolved locally:
// the step is repeated and the message is shown to the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validationf builds a ValidationError with a formatted user-facing message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// APIError is a rejection returned by the ledger backend. Message is rendered
// to the user verbatim when present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ledger api: status %d", e.Status)
	}
	return fmt.Sprintf("ledger api: %s (status %d)", e.Message, e.Status)
}
