// Package retry implements the Retry/Backoff Controller of section
// 4.6: computing the delay before a failed chunk's next attempt. The
// run-level circuit breaker itself lives on types.CircuitBreaker;
// this package only supplies the delay curve the orchestrator
// schedules retries against. Grounded on restic's
// internal/backend/retry package, the pack's only consumer of
// cenkalti/backoff/v4 — that package retries a function call in place
// with backoff.RetryNotify; robocurse's orchestrator instead schedules
// a future tick, so this package exposes the backoff curve as a pure
// function rather than a retry loop.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes one profile's retry curve: base*multiplier^n
// capped at maxDelay, per spec §4.6.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy mirrors spec §4.6's worked example: 5s base, 2x
// multiplier, 120s cap, 3 attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    120 * time.Second,
		Multiplier:  2.0,
	}
}

// NextDelay returns the delay to wait before retryCount's next
// attempt (retryCount is 1 for the first retry after an initial
// failure). It builds a fresh backoff.ExponentialBackOff and steps it
// retryCount times rather than retaining state across calls, since the
// orchestrator computes a retry-after timestamp once per failure
// rather than driving a live retry loop.
func (p Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0 // unbounded: the cap is per-step, not cumulative
	eb.RandomizationFactor = 0
	eb.Reset()

	var delay time.Duration
	for i := 0; i < retryCount; i++ {
		delay = eb.NextBackOff()
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ShouldRetry reports whether retryCount (the number of attempts
// already made) is still within MaxAttempts.
func (p Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxAttempts
}
