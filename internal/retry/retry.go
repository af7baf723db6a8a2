package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retried operation. The zero value performs a single attempt.
type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// Jitter randomises the delay between attempts.
	Jitter bool
}

// Immediate retries without sleeping between attempts.
func Immediate(attempts int) Policy {
	return Policy{MaxAttempts: attempts}
}

// OnRetry observes a failed attempt before the next one is scheduled.
type OnRetry func(attempt int, err error)

// Do runs fn until it succeeds, the attempts are used up or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry ...OnRetry) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := p.backoff()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		for _, cb := range onRetry {
			cb(attempt, lastErr)
		}
		if attempt == attempts {
			break
		}
		if err := p.wait(ctx, b); err != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (p Policy) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    p.MinBackoff,
		Max:    p.MaxBackoff,
		Factor: 2,
		Jitter: p.Jitter,
	}
}

func (p Policy) wait(ctx context.Context, b *backoff.Backoff) error {
	if p.MinBackoff <= 0 && p.MaxBackoff <= 0 {
		return nil
	}
	timer := time.NewTimer(b.Duration())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sleep waits for d or until ctx is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
