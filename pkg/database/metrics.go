package database

import (
	"sync"
	"time"
)

// MetricsSnapshot is a point-in-time copy of one database's counters.
type MetricsSnapshot struct {
	QueryCount          int64         `json:"queryCount"`
	FailureCount        int64         `json:"failureCount"`
	ConnectionsAcquired int64         `json:"connectionsAcquired"`
	ConnectionsReleased int64         `json:"connectionsReleased"`
	AvgQueryLatency     time.Duration `json:"avgQueryLatency"`
}

type databaseMetrics struct {
	queryCount   int64
	failureCount int64
	acquired     int64
	released     int64
	avgLatency   time.Duration
}

// metricsRegistry tracks per-database counters. Latency is kept as a
// running mean over all recorded queries.
type metricsRegistry struct {
	mu        sync.Mutex
	databases map[string]*databaseMetrics
}

func newMetricsRegistry() *metricsRegistry {
	return &metricsRegistry{
		databases: make(map[string]*databaseMetrics),
	}
}

func (m *metricsRegistry) get(name string) *databaseMetrics {
	dm, ok := m.databases[name]
	if !ok {
		dm = &databaseMetrics{}
		m.databases[name] = dm
	}
	return dm
}

func (m *metricsRegistry) recordQuery(name string, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm := m.get(name)
	dm.queryCount++
	if failed {
		dm.failureCount++
	}
	dm.avgLatency += (latency - dm.avgLatency) / time.Duration(dm.queryCount)
}

func (m *metricsRegistry) recordAcquire(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(name).acquired++
}

func (m *metricsRegistry) recordRelease(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(name).released++
}

func (m *metricsRegistry) remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.databases, name)
}

func (m *metricsRegistry) snapshot(name string) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	dm, ok := m.databases[name]
	if !ok {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		QueryCount:          dm.queryCount,
		FailureCount:        dm.failureCount,
		ConnectionsAcquired: dm.acquired,
		ConnectionsReleased: dm.released,
		AvgQueryLatency:     dm.avgLatency,
	}
}

func (m *metricsRegistry) snapshotAll() map[string]MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]MetricsSnapshot, len(m.databases))
	for name, dm := range m.databases {
		out[name] = MetricsSnapshot{
			QueryCount:          dm.queryCount,
			FailureCount:        dm.failureCount,
			ConnectionsAcquired: dm.acquired,
			ConnectionsReleased: dm.released,
			AvgQueryLatency:     dm.avgLatency,
		}
	}
	return out
}
