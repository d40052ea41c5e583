package remote

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a constraint violation caught before transmission.
// Requests failing validation are never sent over the wire.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// AuthError reports a rejected credential (401/403). Terminal for the
// session until credentials are refreshed; never retried.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d)", e.Status)
}

// NotFoundError reports that an item vanished remotely (404). The engine
// treats this as an authoritative deletion.
type NotFoundError struct {
	RemoteID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote item %s not found", e.RemoteID)
}

// RateLimitedError reports a 429 response. RetryAfter carries the server's
// hint when one was provided, zero otherwise.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError reports a network failure or 5xx response. Retried with
// bounded exponential backoff before being surfaced.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient failure: %v", e.Err)
	}
	return fmt.Sprintf("transient failure (status %d)", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	var te *TransientError
	var rl *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &rl)
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsNotFound reports whether err indicates the item vanished remotely.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
