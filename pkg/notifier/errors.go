package notifier

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors surfaced by the account store and feed client. Callers
// branch on them with errors.Is.
var (
	// ErrDuplicateAccount is returned when adding an account whose DID is
	// already tracked.
	ErrDuplicateAccount = errors.New("account already monitored")

	// ErrNotFound is returned when a handle does not match any tracked
	// account. Removal of an absent account is an error, not a no-op, so
	// caller mistakes surface.
	ErrNotFound = errors.New("account not found")

	// ErrInvalidHandle is returned when a handle cannot be resolved
	// against the network at add time.
	ErrInvalidHandle = errors.New("handle could not be resolved")

	// ErrAccountGone is returned when a previously tracked account no
	// longer resolves remotely (deleted or renamed). The scheduler flags
	// the account inactive rather than dropping it.
	ErrAccountGone = errors.New("remote account no longer exists")
)

// RateLimitError indicates the feed API rejected a request with HTTP 429.
// The poll cycle backs off and retries on a later cycle.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimit reports whether err is a rate-limit rejection.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// AuthError indicates the service credentials were rejected. This is fatal
// for the whole poll loop: every subsequent request would fail identically.
type AuthError struct {
	Status int
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (HTTP %d): %s", e.Status, e.Detail)
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
