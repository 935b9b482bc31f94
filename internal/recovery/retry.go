// Retry-with-backoff helper over github.com/sethvargo/go-retry.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// ErrRetriesExhausted wraps the last cause once Options.MaxAttempts have
// all failed.
type ErrRetriesExhausted struct {
	Attempts int
	Cause    error
}

func (e *ErrRetriesExhausted) Error() string {
	return fmt.Sprintf("recovery: retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}
func (e *ErrRetriesExhausted) Unwrap() error { return e.Cause }

// Options parametrizes Execute.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
	Timeout     time.Duration
	Breaker     *BreakerRegistry
	BreakerName string
}

// Permanent wraps err to signal Execute should not retry it, used for
// permission/validation errors and any explicit "do-not-retry" condition
// the caller already classified.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Execute runs op up to opts.MaxAttempts times with exponential backoff
// (base * 2^(attempt-1), capped at MaxBackoff, with optional uniform jitter
// in [0, 0.5*delay]). A permanent error (see Permanent), a circuit-breaker
// rejection, or context deadline abort the retry loop immediately. Once
// attempts are exhausted, the last cause is returned wrapped in
// ErrRetriesExhausted.
func Execute(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	backoff := retry.NewExponential(opts.BaseDelay)
	backoff = retry.WithMaxRetries(uint64(opts.MaxAttempts-1), backoff)
	backoff = retry.WithCappedDuration(opts.MaxBackoff, backoff)
	if opts.Jitter {
		capped := backoff
		backoff = retry.BackoffFunc(func() (time.Duration, bool) {
			delay, stop := capped.Next()
			if stop || delay <= 0 {
				return delay, stop
			}
			return delay + time.Duration(rand.Int63n(int64(delay)/2+1)), false
		})
	}

	attempt := 0
	var lastErr error

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		var runErr error
		if opts.Breaker != nil {
			runErr = opts.Breaker.Execute(opts.BreakerName, func() error { return op(ctx) })
		} else {
			runErr = op(ctx)
		}

		if runErr == nil {
			return nil
		}
		lastErr = runErr

		if isPermanent(runErr) {
			return runErr
		}
		if errors.Is(runErr, gobreaker.ErrOpenState) || errors.Is(runErr, gobreaker.ErrTooManyRequests) {
			return runErr
		}
		if ctx.Err() != nil {
			return runErr
		}
		return retry.RetryableError(runErr)
	})

	if err == nil {
		return nil
	}
	if isPermanent(err) {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return &ErrRetriesExhausted{Attempts: attempt, Cause: lastErr}
}
