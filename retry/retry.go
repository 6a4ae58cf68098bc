package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy wraps an operation with retries.
type Policy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Nop runs the operation exactly once.
type Nop struct{}

func (Nop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// ExhaustedError is returned when every attempt failed. It wraps the error of
// the last attempt.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry runs an operation up to Attempts times. After failed attempt n it
// waits Delay(n) before the next one.
//
// It retries on any error returned by fn. If you need conditional retries,
// wrap fn and decide which errors to return.
type Retry struct {
	Attempts int
	Delay    func(attempt int) time.Duration

	// OnRetry, when set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (r Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if last = fn(ctx); last == nil {
			return nil
		}
		if n == attempts {
			break
		}

		var wait time.Duration
		if r.Delay != nil {
			wait = r.Delay(n)
		}
		if r.OnRetry != nil {
			r.OnRetry(n, last, wait)
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: last}
}

// Linear waits n*base after failed attempt n.
func Linear(base time.Duration) func(int) time.Duration {
	return func(n int) time.Duration {
		return time.Duration(n) * base
	}
}

// Constant waits d after every failed attempt.
func Constant(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration {
		return d
	}
}

// Exponential doubles the wait after every failed attempt, capped at max.
func Exponential(base, max time.Duration) func(int) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return func(n int) time.Duration {
		d := base
		for i := 1; i < n; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}
