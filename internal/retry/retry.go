// Package retry provides the bounded exponential backoff schedule used by the
// realtime channel's reconnect loop.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy configures a bounded exponential backoff
type Policy struct {
	MaxAttempts  int           // Attempts allowed before giving up
	InitialDelay time.Duration // Delay for attempt 0
	MaxDelay     time.Duration // Upper bound for any single delay
	Multiplier   float64       // Growth factor per attempt
}

// ReconnectPolicy returns the push channel schedule:
// min(1000 * 2^attempt, 30000) ms, at most 5 attempts.
func ReconnectPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait before the given zero-based attempt
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt is past the retry budget
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
