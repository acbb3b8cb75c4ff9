// Package retry runs an operation under a bounded-attempts policy and
// reports a tagged result instead of looping inline at call sites.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts (>= 1).
	MaxAttempts int
	// Backoff returns the wait before attempt n+1 after attempt n failed.
	Backoff func(attempt int) time.Duration
	// Retryable decides whether err may be retried. nil retries everything.
	Retryable func(err error) bool
}

// Status tags the outcome of Do.
type Status int

const (
	// Succeeded means one attempt returned nil.
	Succeeded Status = iota
	// Exhausted means every attempt failed with a retryable error.
	Exhausted
	// Rejected means an attempt failed with a non-retryable error.
	Rejected
	// Canceled means ctx ended before an attempt succeeded.
	Canceled
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Rejected:
		return "rejected"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of Do.
type Result struct {
	Status   Status
	Attempts int
	Err      error // last error; nil on success
}

func (r Result) OK() bool { return r.Status == Succeeded }

// Do calls fn until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx ends. attempt is 1-based.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: Canceled, Attempts: attempt - 1, Err: errors.Join(last, err)}
		}
		err := fn(ctx, attempt)
		if err == nil {
			return Result{Status: Succeeded, Attempts: attempt}
		}
		last = err
		if ctx.Err() != nil {
			return Result{Status: Canceled, Attempts: attempt, Err: err}
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return Result{Status: Rejected, Attempts: attempt, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Result{Status: Canceled, Attempts: attempt, Err: errors.Join(last, ctx.Err())}
		}
	}
	return Result{Status: Exhausted, Attempts: maxAttempts, Err: last}
}

// Linear waits base*attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration { return base * time.Duration(attempt) }
}

// Exponential waits base*2^(attempt-1), capped at maxD, with 0.7..1.3 jitter.
func Exponential(base, maxD time.Duration) func(int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= maxD {
				d = maxD
				break
			}
		}
		d = time.Duration(float64(d) * (0.7 + rng.Float64()*0.6))
		if d > maxD {
			d = maxD
		}
		return d
	}
}
