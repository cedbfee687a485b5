// Package health tracks named health checks and folds them into one
// overall status. The database manager registers one check per managed
// database and updates it from its background probe loops.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check holds the last observed state of one named check.
type Check struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Message      string        `json:"message,omitempty"`
	ResponseTime time.Duration `json:"responseTime"`
	LastChecked  time.Time     `json:"lastChecked"`
}

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Checker aggregates health checks for a set of components.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewChecker creates an empty health checker.
func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]Check),
	}
}

// RunCheck executes the probe and records the outcome under name.
func (c *Checker) RunCheck(ctx context.Context, name string, fn CheckFunc) Check {
	started := time.Now()
	err := fn(ctx)

	check := Check{
		Name:         name,
		Status:       StatusHealthy,
		ResponseTime: time.Since(started),
		LastChecked:  time.Now(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}

	c.Set(check)
	return check
}

// Set records a check outcome directly. Used when the caller already
// has the probe result in hand.
func (c *Checker) Set(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[check.Name] = check
}

// Remove drops a named check, e.g. when a database is removed.
func (c *Checker) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// Check returns the last recorded state for a named check.
func (c *Checker) Check(name string) (Check, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	check, ok := c.checks[name]
	return check, ok
}

// Checks returns a copy of every recorded check.
func (c *Checker) Checks() map[string]Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		out[name] = check
	}
	return out
}

// OverallStatus folds the recorded checks into one status: unhealthy
// when every check fails, degraded when some do, healthy otherwise.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.checks) == 0 {
		return StatusHealthy
	}

	failed := 0
	for _, check := range c.checks {
		if check.Status != StatusHealthy {
			failed++
		}
	}

	switch failed {
	case 0:
		return StatusHealthy
	case len(c.checks):
		return StatusUnhealthy
	default:
		return StatusDegraded
	}
}
