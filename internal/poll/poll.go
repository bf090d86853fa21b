// Package poll provides the bounded waits every browser-facing component uses:
// fixed-interval checks with a hard timeout, and fixed-count retries.
package poll

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned when the condition was not met before the deadline.
	ErrTimeout = errors.New("poll: condition not met before timeout")
	// ErrExhausted is returned when every attempt ran without success.
	ErrExhausted = errors.New("poll: attempts exhausted")
)

// CheckFunc reports whether the awaited condition holds. A non-nil error aborts the wait.
type CheckFunc func(ctx context.Context) (bool, error)

// Until runs check immediately and then once per interval until it reports true,
// returns an error, ctx is done, or timeout elapses. A timeout yields ErrTimeout;
// cancellation of ctx yields ctx.Err().
func Until(ctx context.Context, interval, timeout time.Duration, check CheckFunc) error {
	if interval <= 0 {
		return errors.New("poll: interval must be positive")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lim := rate.NewLimiter(rate.Every(interval), 1)
	for {
		if err := lim.Wait(waitCtx); err != nil {
			// Wait gives up as soon as the next slot falls past the deadline; the time
			// left still gets one last look.
			if ctx.Err() == nil && waitCtx.Err() == nil {
				return lastCheck(waitCtx, ctx, check)
			}
			return expired(ctx)
		}
		ok, err := check(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return expired(ctx)
			}
			return err
		}
		if ok {
			return nil
		}
	}
}

// Attempts calls fn up to n times, interval apart, stopping at the first success.
// It returns nil on success, ErrExhausted (joined with the last attempt error) when
// every attempt failed, or ctx.Err() on cancellation.
func Attempts(ctx context.Context, n int, interval time.Duration, fn func(ctx context.Context, attempt int) error) error {
	if n <= 0 {
		n = 1
	}
	var last error
	lim := rate.NewLimiter(rate.Every(interval), 1)
	for i := 1; i <= n; i++ {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A deadline shorter than the next interval: no attempt can run in time.
			return errors.Join(ErrExhausted, last)
		}
		if last = fn(ctx, i); last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Join(ErrExhausted, last)
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

// Jittered returns base plus a uniform random duration in [0, jitter).
func Jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + rand.N(jitter)
}

// lastCheck waits out the remaining budget and runs check once more.
func lastCheck(waitCtx, parent context.Context, check CheckFunc) error {
	deadline, _ := waitCtx.Deadline()
	// A hair before the deadline so check still gets a live context.
	if d := time.Until(deadline) - time.Millisecond; d > 0 {
		if err := Sleep(waitCtx, d); err != nil {
			return expired(parent)
		}
	}
	ok, err := check(waitCtx)
	switch {
	case ok && err == nil:
		return nil
	case err != nil && waitCtx.Err() == nil:
		return err
	}
	return expired(parent)
}

func expired(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrTimeout
}
