package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Default retry parameters for relay operations.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// RetryPolicy is exponential backoff over classified-retriable errors.
// The delay before retry n (0-based) is BaseDelay × 2^n.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Clock drives the backoff timers. Nil selects the wall clock.
	Clock clock.Clock
	// Retriable classifies errors. Nil selects IsRetriable.
	Retriable func(error) bool
	// OnRetry, if set, is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the policy used for relay publish and
// subscribe operations.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// Delay returns the backoff before retry attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay << uint(attempt)
}

func (p RetryPolicy) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}

func (p RetryPolicy) retriable(err error) bool {
	if p.Retriable == nil {
		return IsRetriable(err)
	}
	return p.Retriable(err)
}

// Do runs op until it succeeds, fails with a non-retriable error, the
// attempts are exhausted, or ctx is done. A non-retriable error is
// returned immediately without consuming the remaining attempts.
// Exhaustion is reported as ErrRetriesExhausted wrapping the last error.
// Cancellation of ctx is returned as ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !p.retriable(err) {
			return err
		}
		lastErr = err

		if attempt == maxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		logrus.WithFields(logrus.Fields{
			"function":     "RetryPolicy.Do",
			"attempt":      attempt + 1,
			"max_attempts": maxAttempts,
			"backoff":      delay,
			"error":        err.Error(),
		}).Debug("Retrying after transient error")

		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := p.clock().Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}
