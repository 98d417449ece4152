// Package retry wraps record-store calls with bounded retries and linear backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error types for retry outcomes.
var (
	// ErrNoResponse means the remote side never produced a response
	// (transport failure on every attempt).
	ErrNoResponse = errors.New("no response after retries")
	// ErrErrorResponse means the remote side answered, but with a
	// retryable error on every attempt.
	ErrErrorResponse = errors.New("error response after retries")
)

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error so Do surfaces it immediately without retrying.
// Application-level failures (e.g. GraphQL validation errors) use this.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// transientError marks a retryable failure where a response was received.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient wraps a retryable failure where the remote side did answer
// (404 or 5xx-class response). Unwrapped errors are treated as transport
// failures that never got a response.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Policy bounds the retry loop.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // linear backoff: delay = attempt * BaseDelay
}

// DefaultPolicy matches the record-store contract: 3 total attempts,
// 1s base delay.
var DefaultPolicy = Policy{MaxRetries: 2, BaseDelay: time.Second}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy    Policy
	sleepFunc func(time.Duration)
}

// New creates a Retrier with the given policy.
func New(policy Policy) *Retrier {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retrier{
		policy:    policy,
		sleepFunc: time.Sleep,
	}
}

// Do runs op until it succeeds, returns a Permanent error, or the retry
// budget is exhausted. Backoff is linear: 1x, 2x, 3x... the base delay.
// The terminal error wraps ErrNoResponse or ErrErrorResponse depending on
// whether the last failure carried a response.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	maxAttempts := r.policy.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Sleep before retry, not before the first attempt.
		if attempt > 1 && r.sleepFunc != nil && r.policy.BaseDelay > 0 {
			r.sleepFunc(time.Duration(attempt-1) * r.policy.BaseDelay)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		lastErr = err
	}

	var transient *transientError
	if errors.As(lastErr, &transient) {
		return fmt.Errorf("%w: %v", ErrErrorResponse, transient.err)
	}
	return fmt.Errorf("%w: %v", ErrNoResponse, lastErr)
}
