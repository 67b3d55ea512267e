// Package retry runs an operation again with jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without another attempt.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds how often and how long Do keeps trying.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts limits total attempts; 0 means unlimited.
	MaxAttempts int
}

// DefaultPolicy suits local resources such as a database another process is
// still releasing.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  5,
	}
}

// Do calls fn until it succeeds, returns a PermanentError, the policy is
// exhausted or ctx is done.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	def := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = max(def.MaxDelay, p.InitialDelay)
	}

	delay := p.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation succeeded after retry", "operation", op, "attempt", attempt)
			}
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", op, attempt, err)
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		slog.Debug("Operation failed, retrying", "operation", op, "attempt", attempt, "delay", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}

		delay = min(delay*2, p.MaxDelay)
	}
}
