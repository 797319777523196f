// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retry loop. Attempts below 1 are treated as 1.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps the doubled delay; zero means uncapped.
	MaxDelay time.Duration
	// OnRetry is called before each wait with the attempt that just failed (1-based).
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep replaces the wait between attempts, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Permanent marks an error that must not be retried.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }

func (p Permanent) Unwrap() error { return p.Err }

// Do executes fn until it succeeds, returns a Permanent error, the attempts
// are used up, or ctx is done. The last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	delay := p.BaseDelay
	for i := 1; i <= attempts; i++ {
		if ctx.Err() != nil {
			if err != nil {
				return err
			}
			return ctx.Err()
		}

		err = fn(i)
		if err == nil {
			return nil
		}
		var perm Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}

		// no wait after the last attempt
		if i == attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(i, delay, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return err
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
