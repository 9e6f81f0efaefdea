package integrations

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// backoff controls redelivery of one webhook call.
type backoff struct {
	MaxAttempts int
	InitDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// permanentError stops retrying, e.g. on a 4xx response.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, returns a permanent error, or the
// attempts run out. It returns the number of attempts made and the last
// error.
func retry(ctx context.Context, b backoff, sleep sleepFunc, fn func() error) (int, error) {
	attempts := b.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		lastErr = fn()
		if lastErr == nil {
			return attempt + 1, nil
		}

		var stop *permanentError
		if errors.As(lastErr, &stop) {
			return attempt + 1, stop.err
		}

		if attempt < attempts-1 {
			if err := sleep(ctx, b.delay(attempt)); err != nil {
				return attempt + 1, lastErr
			}
		}
	}
	return attempts, lastErr
}

// delay is exponential from InitDelay, capped at MaxDelay, with up to 25%
// jitter either way.
func (b backoff) delay(attempt int) time.Duration {
	d := b.InitDelay * time.Duration(math.Pow(2, float64(attempt)))
	if d > b.MaxDelay || d <= 0 {
		d = b.MaxDelay
	}
	if b.Jitter && d > 0 {
		if quarter := int64(d) / 4; quarter > 0 {
			j := time.Duration(rand.Int64N(quarter))
			if rand.IntN(2) == 0 {
				d += j
			} else {
				d -= j
			}
		}
	}
	return d
}
