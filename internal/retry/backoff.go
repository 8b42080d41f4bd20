// Package retry paces repeated connection attempts: exponential backoff
// for transient failures (timeouts, resets) and a per-endpoint circuit
// breaker for hosts that keep failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"socketkit/config"
	skerr "socketkit/internal/errors"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError wraps an error to signal that retrying will not help.
// Return [Permanent](err) from the operation function to stop retrying
// immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  The backoff loop will return
// the inner error immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// OnlyRetryable passes err through when the error taxonomy classifies
// it as retryable (timeouts, peer resets) and marks it [Permanent]
// otherwise, so a refused connection or a bad charset fails fast.
func OnlyRetryable(err error) error {
	if err == nil || skerr.IsRetryable(err) {
		return err
	}
	return Permanent(err)
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff implements exponential backoff with optional jitter.  Zero
// fields fall back to the retry defaults in package config.
type Backoff struct {
	// InitialDelay is the wait after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration
	// Multiplier grows the wait after every attempt (default 2).
	Multiplier float64
	// MaxAttempts is the total number of tries including the first.
	// Zero means no limit other than the context.
	MaxAttempts int
	// Jitter spreads every wait by ±25% so clients that failed together
	// do not reconnect together.
	Jitter bool
	// OnRetry, if set, is called before each wait with the attempt
	// that just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff returns the backoff used for --retries without a
// limit on attempts.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: config.DefaultRetryDelay,
		MaxDelay:     config.DefaultMaxRetryDelay,
		Multiplier:   2.0,
		MaxAttempts:  10,
		Jitter:       true,
	}
}

// ExhaustedError is returned by [Backoff.Do] when every attempt failed.
// It unwraps to the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Delay returns the wait after the given failed attempt (1-based),
// before jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	initial := b.InitialDelay
	if initial <= 0 {
		initial = config.DefaultRetryDelay
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = config.DefaultMaxRetryDelay
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a [Permanent] error, runs out
// of attempts or ctx ends.  The attempt passed to fn is 1-based.  A
// permanent error is returned unwrapped.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = addJitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	result := float64(d) + delta
	return time.Duration(math.Max(result, float64(time.Millisecond)))
}
