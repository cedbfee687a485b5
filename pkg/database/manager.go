// Package database provides the Manager, the single entry point that
// applications use to talk to their configured databases. The manager
// owns adapter lifecycles, guards each database with a circuit
// breaker, runs background health probes, and tracks per-database
// metrics.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crossdb-io/crossdb/pkg/adapter"
	"github.com/crossdb-io/crossdb/pkg/health"
	"github.com/crossdb-io/crossdb/pkg/logger"
)

const defaultHealthInterval = 30 * time.Second

// HealthChangeFunc is notified when a database transitions between
// healthy and unhealthy.
type HealthChangeFunc func(name string, healthy bool)

// Options tunes manager-wide behavior. The zero value uses defaults.
type Options struct {
	// HealthCheckInterval is the default probe interval for databases
	// that do not configure their own.
	HealthCheckInterval time.Duration

	// BreakerThreshold and BreakerGracePeriod tune the per-database
	// circuit breakers. Zero values take the breaker defaults.
	BreakerThreshold   int
	BreakerGracePeriod time.Duration

	// OnHealthChange is called from the probe loop on transitions.
	OnHealthChange HealthChangeFunc
}

type managedDatabase struct {
	name    string
	adapter adapter.Adapter
	breaker *CircuitBreaker
	cancel  context.CancelFunc
	healthy bool
	mu      sync.Mutex
}

func (d *managedDatabase) setHealthy(v bool) (changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed = d.healthy != v
	d.healthy = v
	return changed
}

func (d *managedDatabase) isHealthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// Manager orchestrates a set of named databases behind one API. All
// methods are safe for concurrent use.
type Manager struct {
	registry *adapter.Registry
	log      *logger.Logger
	opts     Options
	checker  *health.Checker
	metrics  *metricsRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	databases map[string]*managedDatabase
	closed    bool

	cbMu      sync.Mutex
	callbacks []HealthChangeFunc
}

// NewManager creates a manager using the given adapter registry.
func NewManager(registry *adapter.Registry, log *logger.Logger, opts Options) *Manager {
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaultHealthInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	var callbacks []HealthChangeFunc
	if opts.OnHealthChange != nil {
		callbacks = append(callbacks, opts.OnHealthChange)
	}
	return &Manager{
		callbacks: callbacks,
		registry:  registry,
		log:       log,
		opts:      opts,
		checker:   health.NewChecker(),
		metrics:   newMetricsRegistry(),
		ctx:       ctx,
		cancel:    cancel,
		databases: make(map[string]*managedDatabase),
	}
}

// AddDatabase creates and initializes an adapter for the configuration
// and starts its health probe loop. The name must be unique.
func (m *Manager) AddDatabase(ctx context.Context, name string, cfg adapter.ConnectionConfig) error {
	if name == "" {
		return adapter.NewConfigurationError("", "name", "database name must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return adapter.NewDatabaseError("", "add_database", adapter.ErrConnectionClosed)
	}
	if _, exists := m.databases[name]; exists {
		m.mu.Unlock()
		engine, _ := cfg.EngineID()
		return adapter.NewConfigurationError(engine, "name",
			fmt.Sprintf("database %q already exists", name))
	}
	m.mu.Unlock()

	adp, err := m.registry.Create(cfg, name, m.log)
	if err != nil {
		return err
	}

	if err := adp.Initialize(ctx); err != nil {
		m.registry.Remove(name)
		return err
	}

	loopCtx, cancel := context.WithCancel(m.ctx)
	db := &managedDatabase{
		name:    name,
		adapter: adp,
		breaker: NewCircuitBreaker(m.opts.BreakerThreshold, m.opts.BreakerGracePeriod),
		cancel:  cancel,
		healthy: true,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		m.registry.Remove(name)
		_ = adp.Shutdown(ctx)
		return adapter.NewDatabaseError(adp.Type(), "add_database", adapter.ErrConnectionClosed)
	}
	m.databases[name] = db
	m.mu.Unlock()

	interval := cfg.HealthCheckInterval
	if interval <= 0 {
		interval = m.opts.HealthCheckInterval
	}
	m.wg.Add(1)
	go m.healthLoop(loopCtx, db, interval)

	if m.log != nil {
		m.log.Info("database %s added (engine %s)", name, adp.Type())
	}
	return nil
}

// RemoveDatabase stops the probe loop and shuts the adapter down. Open
// connections are closed as part of the shutdown.
func (m *Manager) RemoveDatabase(ctx context.Context, name string) error {
	m.mu.Lock()
	db, ok := m.databases[name]
	if ok {
		delete(m.databases, name)
	}
	m.mu.Unlock()

	if !ok {
		return adapter.NewDatabaseError("", "remove_database",
			fmt.Errorf("%w: database %q", adapter.ErrAdapterNotFound, name))
	}

	db.cancel()
	m.registry.Remove(name)
	m.checker.Remove(name)
	m.metrics.remove(name)

	if err := db.adapter.Shutdown(ctx); err != nil {
		return adapter.WrapError(db.adapter.Type(), "remove_database", err)
	}
	if m.log != nil {
		m.log.Info("database %s removed", name)
	}
	return nil
}

// Database returns the adapter managing a named database.
func (m *Manager) Database(name string) (adapter.Adapter, error) {
	db, err := m.database(name)
	if err != nil {
		return nil, err
	}
	return db.adapter, nil
}

// ListDatabases returns the names of every managed database.
func (m *Manager) ListDatabases() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.databases))
	for name := range m.databases {
		names = append(names, name)
	}
	return names
}

// GetConnection borrows a connection from a database's pool, gated by
// its circuit breaker. The caller must return it with ReleaseConnection
// or drop it with DiscardConnection.
func (m *Manager) GetConnection(ctx context.Context, name string) (*adapter.Connection, error) {
	db, err := m.database(name)
	if err != nil {
		return nil, err
	}

	if !db.breaker.Allow() {
		return nil, adapter.NewDatabaseError(db.adapter.Type(), "get_connection",
			fmt.Errorf("%w: circuit breaker open for database %q", adapter.ErrConnectionFailed, name)).
			WithContext("database", name)
	}

	conn, err := db.adapter.Pool().Get(ctx)
	if err != nil {
		db.breaker.RecordFailure()
		return nil, annotateError(db, "get_connection", err)
	}

	db.breaker.RecordSuccess()
	m.metrics.recordAcquire(name)
	return conn, nil
}

// ReleaseConnection returns a borrowed connection to its pool.
func (m *Manager) ReleaseConnection(name string, conn *adapter.Connection) {
	db, err := m.database(name)
	if err != nil {
		return
	}
	db.adapter.Pool().Put(conn)
	m.metrics.recordRelease(name)
}

// DiscardConnection removes a borrowed connection from its pool and
// closes it. Use when an operation was abandoned mid-flight and the
// session state is unknown.
func (m *Manager) DiscardConnection(ctx context.Context, name string, conn *adapter.Connection) {
	db, err := m.database(name)
	if err != nil {
		return
	}
	db.adapter.Pool().Discard(ctx, conn)
	m.metrics.recordRelease(name)
}

// ExecuteQuery borrows a connection, runs one statement, and releases
// the connection.
func (m *Manager) ExecuteQuery(ctx context.Context, name, query string, params map[string]interface{}) (*adapter.QueryResult, error) {
	var result *adapter.QueryResult
	err := m.withConnection(ctx, name, "execute_query", func(db *managedDatabase, conn *adapter.Connection) error {
		var err error
		result, err = db.adapter.ExecuteQuery(ctx, conn, query, params)
		return err
	})
	return result, err
}

// ExecuteMany borrows a connection, runs the statement once per
// parameter set, and releases the connection.
func (m *Manager) ExecuteMany(ctx context.Context, name, query string, paramSets []map[string]interface{}) (*adapter.QueryResult, error) {
	var result *adapter.QueryResult
	err := m.withConnection(ctx, name, "execute_many", func(db *managedDatabase, conn *adapter.Connection) error {
		var err error
		result, err = db.adapter.ExecuteMany(ctx, conn, query, paramSets)
		return err
	})
	return result, err
}

// FetchOne returns the first result row, or nil when there is none.
func (m *Manager) FetchOne(ctx context.Context, name, query string, params map[string]interface{}) (map[string]interface{}, error) {
	var row map[string]interface{}
	err := m.withConnection(ctx, name, "fetch_one", func(db *managedDatabase, conn *adapter.Connection) error {
		var err error
		row, err = db.adapter.FetchOne(ctx, conn, query, params)
		return err
	})
	return row, err
}

// FetchMany returns at most size result rows.
func (m *Manager) FetchMany(ctx context.Context, name, query string, params map[string]interface{}, size int) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	err := m.withConnection(ctx, name, "fetch_many", func(db *managedDatabase, conn *adapter.Connection) error {
		var err error
		rows, err = db.adapter.FetchMany(ctx, conn, query, params, size)
		return err
	})
	return rows, err
}

// FetchAll returns every result row.
func (m *Manager) FetchAll(ctx context.Context, name, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	err := m.withConnection(ctx, name, "fetch_all", func(db *managedDatabase, conn *adapter.Connection) error {
		var err error
		rows, err = db.adapter.FetchAll(ctx, conn, query, params)
		return err
	})
	return rows, err
}

// Begin borrows a connection and opens a transaction on it. The
// returned context owns the connection for the transaction's lifetime;
// EndTransaction must be called once the context is resolved.
func (m *Manager) Begin(ctx context.Context, name string, opts adapter.TxOptions) (*adapter.TransactionContext, error) {
	db, err := m.database(name)
	if err != nil {
		return nil, err
	}

	if opts.Isolation == adapter.IsolationDefault {
		opts.Isolation = db.adapter.Config().DefaultIsolation
	}

	conn, err := m.GetConnection(ctx, name)
	if err != nil {
		return nil, err
	}

	tx, err := adapter.Begin(ctx, db.adapter.Type(), db.adapter, conn, opts)
	if err != nil {
		m.ReleaseConnection(name, conn)
		return nil, annotateError(db, "begin_transaction", err)
	}
	return tx, nil
}

// EndTransaction releases the connection owned by a resolved
// transaction context. An unresolved context is rolled back first.
func (m *Manager) EndTransaction(ctx context.Context, name string, tx *adapter.TransactionContext) {
	if tx == nil {
		return
	}
	if tx.Active() {
		if err := tx.Rollback(ctx); err != nil && m.log != nil {
			m.log.Warn("rolling back abandoned transaction %s: %v", tx.ID(), err)
		}
	}
	if tx.Connection().InTransaction() {
		// Rollback failed and the session state is unknown.
		m.DiscardConnection(ctx, name, tx.Connection())
		return
	}
	m.ReleaseConnection(name, tx.Connection())
}

// Transaction runs fn inside a transaction. The transaction commits
// when fn returns nil and rolls back when it returns an error or
// panics; panics are re-raised after the rollback.
func (m *Manager) Transaction(ctx context.Context, name string, opts adapter.TxOptions, fn func(tx *adapter.TransactionContext) error) error {
	tx, err := m.Begin(ctx, name, opts)
	if err != nil {
		return err
	}
	// EndTransaction rolls back anything still active, which also covers
	// a panic inside fn.
	defer m.EndTransaction(ctx, name, tx)

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && m.log != nil {
			m.log.Warn("rolling back transaction %s: %v", tx.ID(), rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// HealthCheck probes one database immediately, outside the background
// loop, and records the result.
func (m *Manager) HealthCheck(ctx context.Context, name string) (*adapter.HealthStatus, error) {
	db, err := m.database(name)
	if err != nil {
		return nil, err
	}
	status := db.adapter.HealthCheck(ctx)
	m.recordHealth(db, status)
	return status, nil
}

// HealthChecks returns the last recorded probe result per database.
func (m *Manager) HealthChecks() map[string]health.Check {
	return m.checker.Checks()
}

// OverallHealth folds every database's health into one status.
func (m *Manager) OverallHealth() health.Status {
	return m.checker.OverallStatus()
}

// PoolStatus returns the pool introspection document for one database.
func (m *Manager) PoolStatus(name string) (adapter.PoolStatus, error) {
	db, err := m.database(name)
	if err != nil {
		return adapter.PoolStatus{}, err
	}
	return db.adapter.Pool().Status(), nil
}

// BreakerState returns the circuit breaker state for one database.
func (m *Manager) BreakerState(name string) (BreakerState, error) {
	db, err := m.database(name)
	if err != nil {
		return "", err
	}
	return db.breaker.State(), nil
}

// Metrics returns a snapshot of one database's counters.
func (m *Manager) Metrics(name string) MetricsSnapshot {
	return m.metrics.snapshot(name)
}

// AllMetrics returns counter snapshots for every database.
func (m *Manager) AllMetrics() map[string]MetricsSnapshot {
	return m.metrics.snapshotAll()
}

// Shutdown stops every probe loop and shuts every adapter down. The
// manager cannot be reused afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	databases := m.databases
	m.databases = make(map[string]*managedDatabase)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	var firstErr error
	for name, db := range databases {
		m.registry.Remove(name)
		if err := db.adapter.Shutdown(ctx); err != nil {
			if m.log != nil {
				m.log.Warn("shutting down database %s: %v", name, err)
			}
			if firstErr == nil {
				firstErr = adapter.WrapError(db.adapter.Type(), "shutdown", err)
			}
		}
	}
	return firstErr
}

// withConnection borrows a connection, runs fn, and releases the
// connection. When the surrounding context was canceled mid-operation
// the connection is discarded instead of reused, since the session may
// have a half-applied statement on it.
func (m *Manager) withConnection(ctx context.Context, name, operation string, fn func(db *managedDatabase, conn *adapter.Connection) error) error {
	db, err := m.database(name)
	if err != nil {
		return err
	}

	conn, err := m.GetConnection(ctx, name)
	if err != nil {
		return err
	}

	started := time.Now()
	opErr := fn(db, conn)
	m.metrics.recordQuery(name, time.Since(started), opErr != nil)

	if ctx.Err() != nil {
		m.DiscardConnection(context.WithoutCancel(ctx), name, conn)
	} else {
		m.ReleaseConnection(name, conn)
	}
	return annotateError(db, operation, opErr)
}

// annotateError stamps the database name onto an error leaving the
// manager, so callers running several databases on the same engine can
// attribute the failure. Errors already in the taxonomy keep their kind.
func annotateError(db *managedDatabase, operation string, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *adapter.DatabaseError
	if errors.As(err, &dbErr) {
		dbErr.WithContext("database", db.name)
		return err
	}
	return adapter.NewDatabaseError(db.adapter.Type(), operation, err).
		WithContext("database", db.name)
}

func (m *Manager) database(name string) (*managedDatabase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, ok := m.databases[name]
	if !ok {
		return nil, adapter.NewDatabaseError("", "lookup",
			fmt.Errorf("%w: database %q", adapter.ErrAdapterNotFound, name))
	}
	return db, nil
}

// healthLoop probes one database on a ticker until its context is
// canceled. Probe outcomes feed the health checker, the circuit
// breaker, and the transition callback. Idle pool connections are
// evicted on the same tick.
func (m *Manager) healthLoop(ctx context.Context, db *managedDatabase, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			status := db.adapter.HealthCheck(probeCtx)
			if pool := db.adapter.Pool(); pool != nil {
				pool.CleanupIdle(probeCtx, pool.Config().IdleTimeout)
			}
			cancel()
			m.recordHealth(db, status)
		}
	}
}

func (m *Manager) recordHealth(db *managedDatabase, status *adapter.HealthStatus) {
	check := health.Check{
		Name:         db.name,
		Status:       health.StatusHealthy,
		ResponseTime: status.ResponseTime,
		LastChecked:  status.Timestamp,
	}
	if !status.Healthy {
		check.Status = health.StatusUnhealthy
		check.Message = status.Error
		db.breaker.RecordFailure()
	} else {
		db.breaker.RecordSuccess()
	}
	m.checker.Set(check)

	if db.setHealthy(status.Healthy) {
		if m.log != nil {
			m.log.Warn("database %s health changed: healthy=%v", db.name, status.Healthy)
		}
		m.cbMu.Lock()
		callbacks := make([]HealthChangeFunc, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.cbMu.Unlock()
		for _, fn := range callbacks {
			fn(db.name, status.Healthy)
		}
	}
}

// OnHealthChange registers an additional health transition callback.
func (m *Manager) OnHealthChange(fn HealthChangeFunc) {
	if fn == nil {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.cbMu.Unlock()
}
