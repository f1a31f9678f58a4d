// Package backoff provides retry delay calculation.
package backoff

import (
	"context"
	"math"
	"time"
)

// Config for backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	Fixed   bool          // every attempt waits Initial
}

func (c *Config) bounds() (time.Duration, time.Duration) {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if c != nil {
		if c.Initial > 0 {
			initial = c.Initial
		}
		if c.Max > 0 {
			maxBackoff = c.Max
		}
	}
	return initial, maxBackoff
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Delay returns the wait before the given attempt, honoring cfg.Fixed.
func Delay(attempt int, cfg *Config) time.Duration {
	if cfg != nil && cfg.Fixed {
		initial, maxBackoff := cfg.bounds()
		return min(initial, maxBackoff)
	}
	return Exponential(attempt, cfg)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
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
