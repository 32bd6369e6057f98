// Package retry runs a fallible operation until it succeeds.
//
// Exponential doubles the delay with +-25% jitter, up to MaxDelay when set;
// Constant waits the same delay between attempts.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Backoff selects how the delay evolves between attempts.
type Backoff int

const (
	Exponential Backoff = iota
	Constant
)

// Policy describes how many times to try and how long to wait in between.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Backoff  Backoff
	MaxDelay time.Duration
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Run will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Run calls fn until it succeeds, returns a permanent error, the context is
// cancelled, or p.Attempts is reached. fn receives the 1-based attempt number.
// The last error is returned unwrapped from any PermanentError.
func Run(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.Delay

	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts {
			break
		}

		sleep := delay
		if p.Backoff == Exponential {
			jitter := delay / 4
			sleep = delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		if p.Backoff == Exponential {
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	return err
}

// Do is Run with exponential backoff starting at baseDelay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Run(ctx, Policy{Attempts: maxAttempts, Delay: baseDelay, Backoff: Exponential}, func(int) error {
		return fn()
	})
}

// DoConstant is Run with a fixed delay between attempts.
func DoConstant(ctx context.Context, maxAttempts int, delay time.Duration, fn func() error) error {
	return Run(ctx, Policy{Attempts: maxAttempts, Delay: delay, Backoff: Constant}, func(int) error {
		return fn()
	})
}

// Forever retries fn with exponential backoff capped at maxDelay until it
// succeeds, returns a permanent error, or ctx is done.
func Forever(ctx context.Context, baseDelay, maxDelay time.Duration, fn func(attempt int) error) error {
	return Run(ctx, Policy{Attempts: math.MaxInt, Delay: baseDelay, Backoff: Exponential, MaxDelay: maxDelay}, fn)
}
