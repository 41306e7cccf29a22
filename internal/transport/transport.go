// Package transport delivers notify events to people.
//
// A Transport sends one event per call and reports failure with an error.
// Errors wrapped with Permanent are not retried by the publisher; errors
// carrying a RetryAfter hint delay the next attempt.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"catalert/internal/listing"
)

type Transport interface {
	Name() string
	Send(ctx context.Context, ev listing.NotifyEvent) error
}

// Permanent marks an error as non-retryable (bad credentials, unknown chat,
// rejected payload).
//
// Example:
//
//	return transport.Permanent(fmt.Errorf("webhook rejected: %s", resp.Status()))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// RetryAfter attaches a server-provided delay hint (HTTP 429, Telegram flood
// control) to err.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
