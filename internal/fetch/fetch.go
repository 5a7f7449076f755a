// Package fetch bounds record store reads with a per-attempt timeout and a
// small number of retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/models"
)

const (
	DefaultTimeout = 15 * time.Second
	DefaultRetries = 2
	DefaultPause   = 500 * time.Millisecond
)

type Policy struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Retries is the number of attempts after the first one.
	Retries int
	// Pause is the wait between attempts.
	Pause time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Timeout: DefaultTimeout,
		Retries: DefaultRetries,
		Pause:   DefaultPause,
	}
}

// permanent errors are answers, not failures, so retrying cannot help.
func permanent(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrForbidden) ||
		errors.Is(err, models.ErrInvalid) ||
		errors.Is(err, models.ErrConflict) ||
		errors.Is(err, models.ErrContentRejected)
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts.
// Exhausted attempts surface as models.ErrTimeout wrapping the last error.
// Cancellation of ctx itself is returned as is.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	attempts := p.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && p.Pause > 0 {
			t := time.NewTimer(p.Pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			case <-t.C:
			}
		}

		v, err := run(ctx, p.Timeout, fn)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if permanent(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", models.ErrTimeout, attempts, lastErr)
}

func run[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
