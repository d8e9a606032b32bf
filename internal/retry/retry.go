package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy задает ограничение числа попыток и базовую задержку.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Backoff returns base * 2^(attempt-1) with ±10% jitter, never below base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := delay * 0.1
	delay += jitter * (rand.Float64()*2 - 1)
	wait := time.Duration(delay)
	if wait < base {
		wait = base
	}
	return wait
}

// Sleep ждет d или отмены контекста.
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

// Do calls fn until it succeeds, returns a non-retryable error, the attempts are exhausted
// or ctx is done. onRetry is called before every wait with the failed attempt number.
func Do(
	ctx context.Context,
	p Policy,
	retryable func(error) bool,
	onRetry func(attempt int, err error, wait time.Duration),
	fn func(ctx context.Context, attempt int) error,
) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) || ctx.Err() != nil {
			return err
		}
		wait := Backoff(p.BaseDelay, attempt)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
		if sleepErr := Sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
	return err
}
