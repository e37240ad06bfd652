// Package retry wraps remote calls in a bounded exponential-backoff policy.
//
// A call that has started is never abandoned because the caller was
// cancelled: attempts and the sleeps between them run on a context detached
// from cancellation, so a call either succeeds or exhausts its own budget.
// Callers check cancellation between calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy configures retries for one remote call.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the sleep before the second attempt.
	BaseDelay time.Duration

	// Factor multiplies the delay after every failed attempt.
	Factor float64

	// MaxDelay caps a single sleep, including server-provided hints.
	MaxDelay time.Duration

	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// Sleep waits between attempts. Defaults to Wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy used for source and archive calls: five
// attempts starting at one second and doubling, 30s per attempt.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It marks the remote side as unavailable for this call.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("remote unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted returns true if err is or wraps an *ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type afterError struct {
	delay time.Duration
	err   error
}

func (e *afterError) Error() string { return e.err.Error() }
func (e *afterError) Unwrap() error { return e.err }

// After marks err as retryable no sooner than d (a rate-limit hint).
func After(d time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &afterError{delay: d, err: err}
}

// Do runs op until it succeeds, returns a permanent error, or the attempt
// budget is spent.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Wait
	}
	base := context.WithoutCancel(ctx)

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		last = p.attempt(base, op)
		if last == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(last, &pe) {
			return pe.err
		}
		if attempt == attempts {
			break
		}
		if err := sleep(base, p.delay(attempt, last)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: last}
}

func (p Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return op(ctx)
}

// delay returns the sleep after the given failed attempt (1-based).
func (p Policy) delay(attempt int, err error) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var ae *afterError
	if errors.As(err, &ae) && ae.delay > 0 {
		return min(ae.delay, maxDelay)
	}

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= factor
		if d >= float64(maxDelay) {
			return maxDelay
		}
	}
	return time.Duration(d)
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
