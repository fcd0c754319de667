// apperr.go -- Error taxonomy shared by every trust-and-access component.
//
// Callers branch with errors.Is / errors.As; the HTTP layer maps each class to a status code.
// Messages are safe to log but handlers never echo them to clients.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks malformed input, rejected before any store access.
var ErrValidation = errors.New("validation error")

// ErrAuthFailure marks bad tokens, credentials or signatures.
// Always surfaced to the caller as a generic message.
var ErrAuthFailure = errors.New("authentication failed")

// ErrNotFound marks an unknown key, lock or record.
var ErrNotFound = errors.New("not found")

// ErrConflict marks a resource already held by someone else (e.g. a lock).
var ErrConflict = errors.New("conflict")

// ErrRateLimited marks a request rejected by a rate limit.
// Concrete errors are *RateLimitError and carry a retry-after hint.
var ErrRateLimited = errors.New("rate limited")

// ErrExpired marks a token, key or session past its validity.
var ErrExpired = errors.New("expired")

// ErrStoreUnavailable marks an infrastructure failure of a backing store.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrLimitExceeded marks a quota breach, e.g. too many API keys for one user.
var ErrLimitExceeded = errors.New("limit exceeded")

// ErrUnauthorized marks a caller acting on a resource it does not own.
var ErrUnauthorized = errors.New("unauthorized")

// RateLimitError is returned when a rate limit rejects a request.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrRateLimited) match a *RateLimitError.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Validation wraps ErrValidation with a field-level message.
func Validation(field, msg string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, msg)
}

// RetryAfter extracts the retry hint from a rate-limit error chain.
// Returns 0 and false if err is not a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
