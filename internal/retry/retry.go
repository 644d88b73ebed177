// Package retry provides a small context-aware retry combinator used by the
// dispatch path and the persistence writers.
package retry

import (
	"context"
	"time"
)

// Policy controls how many times an operation runs and how long to sleep
// between attempts. Backoff receives the 1-based attempt number that just
// failed.
type Policy struct {
	Attempts int
	Backoff  func(attempt int) time.Duration
}

// Fixed retries with a constant delay between attempts.
func Fixed(attempts int, d time.Duration) Policy {
	return Policy{
		Attempts: attempts,
		Backoff:  func(int) time.Duration { return d },
	}
}

// Linear retries with a delay that grows by step each attempt
// (step, 2*step, 3*step, ...). The dispatch engine uses it as the default
// forward backoff.
func Linear(attempts int, step time.Duration) Policy {
	return Policy{
		Attempts: attempts,
		Backoff:  func(attempt int) time.Duration { return time.Duration(attempt) * step },
	}
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
// It returns the last error observed.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.DoIf(ctx, fn, func(error) bool { return true })
}

// DoIf is Do with a retry predicate; a failure for which retryable returns
// false is returned immediately.
func (p Policy) DoIf(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(wait):
		}
	}
	return last
}
