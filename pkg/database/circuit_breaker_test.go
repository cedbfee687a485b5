package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// breakerClock lets tests move the breaker's view of time.
type breakerClock struct {
	now time.Time
}

func (c *breakerClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, grace time.Duration) (*CircuitBreaker, *breakerClock) {
	clock := &breakerClock{now: time.Unix(1000, 0)}
	b := NewCircuitBreaker(threshold, grace)
	b.now = func() time.Time { return clock.now }
	return b, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow(), "still below threshold")

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The counter is consecutive failures, not cumulative.
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerProbeAfterGrace(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.Allow())

	clock.advance(59 * time.Second)
	assert.False(t, b.Allow(), "grace period not elapsed")

	clock.advance(2 * time.Second)
	assert.True(t, b.Allow(), "one probe admitted")
	assert.False(t, b.Allow(), "second caller rejected while probe in flight")
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(2 * time.Minute)

	assert.True(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(2 * time.Minute)

	assert.True(t, b.Allow())
	b.RecordFailure()

	// A failed probe restarts the grace period.
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	clock.advance(2 * time.Minute)
	assert.True(t, b.Allow())
}

func TestBreakerFailuresWhileOpenExtendGrace(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.Allow())

	// Background probes keep failing while the breaker is open.
	clock.advance(30 * time.Second)
	b.RecordFailure()

	clock.advance(40 * time.Second)
	assert.False(t, b.Allow(), "grace measured from the last failure")

	clock.advance(21 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewCircuitBreaker(0, 0)
	assert.Equal(t, defaultFailureThreshold, b.threshold)
	assert.Equal(t, defaultGracePeriod, b.grace)
}
