package platform

import (
	"errors"
	"fmt"

	"trophysync/pkg/model"
)

// Failure taxonomy shared by all adapters. Match with errors.Is.
var (
	// ErrUpstreamUnavailable covers network errors, 5xx, rate limiting and timeouts.
	// Retryable next cycle.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrAccountNotFound means the platform reports no such account
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountPrivate means the platform denies visibility of the account
	ErrAccountPrivate = errors.New("account private")
	// ErrResolutionFailed means an identifier could not be mapped to a platform account id
	ErrResolutionFailed = errors.New("resolution failed")
	// ErrMalformedPayload means the response had an unexpected shape
	ErrMalformedPayload = errors.New("malformed upstream payload")
	// ErrUnauthorized means credentials were rejected
	ErrUnauthorized = errors.New("upstream rejected credentials")
)

// Error carries the context of a failed upstream call and unwraps to its kind
type Error struct {
	Platform  model.Platform
	Operation string
	Status    int
	Kind      error
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Platform, e.Operation, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an Error of the given kind
func NewError(p model.Platform, op string, kind error, err error) *Error {
	return &Error{Platform: p, Operation: op, Kind: kind, Err: err}
}

// IsPermanent reports whether err will not go away by retrying next cycle
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountPrivate) ||
		errors.Is(err, ErrResolutionFailed)
}
