// Package retry runs a unit of work up to a bounded number of attempts,
// cleaning up partial output between attempts, and reports the result as a
// tagged outcome instead of a bare error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"bifrost/internal/services"
)

// DefaultAttempts is one try plus two retries.
const DefaultAttempts = 3

// Status tags how a retried operation ended.
type Status int

const (
	Succeeded Status = iota
	// Transient means every attempt failed with a retryable error.
	Transient
	// Fatal means an attempt failed with an error that retrying cannot fix,
	// or cleanup itself failed.
	Fatal
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the tagged result of Do.
type Outcome struct {
	Status   Status
	Attempts int
	Err      error
}

// OK reports whether the operation succeeded.
func (o Outcome) OK() bool {
	return o.Status == Succeeded
}

// Policy configures Do. The zero value retries three times with no delay and
// classifies errors with services.Retryable.
type Policy struct {
	MaxAttempts int
	// BackOff supplies the delay before each retry; nil waits not at all.
	BackOff backoff.BackOff
	// Classify reports whether err may succeed on a later attempt.
	Classify func(err error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultAttempts
	}
	return p.MaxAttempts
}

func (p Policy) classify(err error) bool {
	if p.Classify != nil {
		return p.Classify(err)
	}
	return services.Retryable(err)
}

// Do runs op until it succeeds, fails fatally, or the attempt budget is
// exhausted. cleanup, when non-nil, runs after every failed attempt before
// the next one starts so no partial artifacts survive into the retry; a
// cleanup failure ends the loop as Fatal.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error, cleanup func() error) Outcome {
	bo := policy.BackOff
	if bo == nil {
		bo = &backoff.ZeroBackOff{}
	}
	bo.Reset()

	maxAttempts := policy.attempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: Fatal, Attempts: attempt - 1, Err: errors.Join(err, lastErr)}
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return Outcome{Status: Succeeded, Attempts: attempt}
		}

		if cleanup != nil {
			if cerr := cleanup(); cerr != nil {
				return Outcome{Status: Fatal, Attempts: attempt, Err: errors.Join(lastErr, fmt.Errorf("cleanup after attempt %d: %w", attempt, cerr))}
			}
		}

		if !policy.classify(lastErr) {
			return Outcome{Status: Fatal, Attempts: attempt, Err: lastErr}
		}
		if attempt == maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return Outcome{Status: Transient, Attempts: attempt, Err: lastErr}
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, lastErr, delay)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Outcome{Status: Fatal, Attempts: attempt, Err: errors.Join(ctx.Err(), lastErr)}
			}
		}
	}
	return Outcome{
		Status:   Transient,
		Attempts: maxAttempts,
		Err:      fmt.Errorf("giving up after %d attempts: %w", maxAttempts, lastErr),
	}
}
