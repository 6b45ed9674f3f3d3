// Package reliability decides when a failed upstream request may be retried
// and how long to wait before the next attempt.
package reliability

import (
	"context"
	"time"
)

// Policy bounds retries of a request that failed before producing any output.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Attempts is the total number of tries, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay is the pause before retry n (1-based), doubling from BaseDelay up to MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Wait sleeps before retry n or returns ctx.Err() if ctx ends first.
func (p Policy) Wait(ctx context.Context, n int) error {
	d := p.Delay(n)
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

// IsRetryableHTTPStatus reports statuses worth another attempt: rate limits
// and transient server failures.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
