// Package retry wraps fallible calls with bounded attempts and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Class 错误分类
type Class int

const (
	NonRetryableClass Class = iota
	RetryableClass
)

// Classifier decides whether a failed attempt may be repeated.
type Classifier func(error) Class

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// Retryable marks err as transient (timeout, rate limit, 5xx).
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// NonRetryable marks err as permanent (invalid input, auth failure).
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

func IsNonRetryable(err error) bool {
	var n *nonRetryableError
	return errors.As(err, &n)
}

// ExhaustedError is returned once every attempt has failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// DefaultClassifier honours explicit marks, treats deadline overruns as transient and
// everything else as permanent.
func DefaultClassifier(err error) Class {
	switch {
	case IsNonRetryable(err):
		return NonRetryableClass
	case IsRetryable(err):
		return RetryableClass
	case errors.Is(err, context.DeadlineExceeded):
		return RetryableClass
	default:
		return NonRetryableClass
	}
}

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      time.Duration
	// AttemptTimeout bounds a single attempt; zero means no per-attempt deadline.
	AttemptTimeout time.Duration
	Classify       Classifier

	// Sleep defaults to a context-aware timer. Tests replace it to observe delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Rand supplies jitter in [0,1); defaults to math/rand.
	Rand func() float64
}

// Delay returns the backoff before attempt n+1, jitter excluded.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	return time.Duration(r() * float64(p.Jitter))
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is spent.
// A cancelled ctx stops further attempts and its error is returned as is.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var last error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := runAttempt(ctx, p.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		last = err

		// the run itself was cancelled, not just this attempt
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if classify(err) != RetryableClass {
			return zero, err
		}
		if attempt == max {
			break
		}

		delay := p.Delay(attempt) + p.jitter()
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: max, Last: last}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := op(actx)
	if err != nil && actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return v, Retryable(fmt.Errorf("attempt deadline %s exceeded: %w", timeout, err))
	}
	return v, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
