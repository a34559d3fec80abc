// Package backoff implements the retry delay curves used across the
// queue: capped exponential backoff for failed attempts and full jitter
// for contended resources.
package backoff

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Config describes an exponential backoff curve.
type Config struct {
	InitialDelay time.Duration // delay before the second attempt
	Multiplier   float64       // growth factor per attempt
	MaxDelay     time.Duration // cap
}

// Delay computes the backoff delay after the given attempt number
// (1-based): clamp(initial * multiplier^(attempt-1), 0, max).
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if d < 0 {
		return 0
	}
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// FullJitter returns a random duration in [0, d). Used to spread
// competing retries. Falls back to d/2 if the random source fails.
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(d)))
	if err != nil {
		return d / 2
	}
	return time.Duration(n.Int64())
}

// Retry runs fn up to attempts times, sleeping the geometric delay
// between tries. Only errors for which retryable returns true are
// retried; the last error is returned when attempts are exhausted.
func Retry(ctx context.Context, attempts int, cfg Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		t := time.NewTimer(Delay(attempt, cfg))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return context.Cause(ctx)
		}
	}
	return err
}
