package database

import (
	"sync"
	"time"
)

// BreakerState is the observable state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultGracePeriod      = 60 * time.Second
)

// CircuitBreaker guards one managed database against repeated
// connection failures. Consecutive failures past the threshold open
// the breaker; after the grace period one probe request is let through
// and its outcome decides whether the breaker closes again.
type CircuitBreaker struct {
	threshold int
	grace     time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	openSince time.Time
	probing   bool
}

// NewCircuitBreaker creates a breaker with the default threshold and
// grace period. Non-positive arguments take the defaults.
func NewCircuitBreaker(threshold int, grace time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &CircuitBreaker{
		threshold: threshold,
		grace:     grace,
		now:       time.Now,
	}
}

// Allow reports whether a request may proceed. While open, requests are
// rejected until the grace period has elapsed; then exactly one caller
// is admitted as a probe until its outcome is recorded.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	if b.probing {
		return false
	}
	if b.now().Sub(b.openSince) >= b.grace {
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failure. Every failure at or past the
// threshold restarts the grace period, so continued failures while open
// keep pushing the probe window out.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.openSince = b.now()
	}
	b.probing = false
}

// State returns the breaker state for introspection.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return BreakerClosed
	}
	if b.probing || b.now().Sub(b.openSince) >= b.grace {
		return BreakerHalfOpen
	}
	return BreakerOpen
}
