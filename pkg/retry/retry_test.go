package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayGrowsExponentially(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Second, Multiplier: 2.0, MaxDelay: 120 * time.Second, MaxAttempts: 10}

	assert.Equal(t, 5*time.Second, p.NextDelay(1))
	assert.Equal(t, 10*time.Second, p.NextDelay(2))
	assert.Equal(t, 20*time.Second, p.NextDelay(3))
	assert.Equal(t, 40*time.Second, p.NextDelay(4))
}

func TestNextDelayCapsAtMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Second, Multiplier: 2.0, MaxDelay: 120 * time.Second, MaxAttempts: 10}

	// 5 * 2^4 = 80s, 5 * 2^5 = 160s -> capped to 120s
	assert.Equal(t, 120*time.Second, p.NextDelay(6))
	assert.Equal(t, 120*time.Second, p.NextDelay(10))
}

func TestNextDelayTreatsZeroOrNegativeAsFirstAttempt(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, p.NextDelay(1), p.NextDelay(0))
	assert.Equal(t, p.NextDelay(1), p.NextDelay(-5))
}

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.True(t, p.ShouldRetry(0))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
	assert.False(t, p.ShouldRetry(4))
}
