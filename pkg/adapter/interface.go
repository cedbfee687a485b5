package adapter

import (
	"context"
	"time"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// Adapter is the contract every engine implementation must satisfy.
// One adapter instance serves one configured database and owns its
// connection pool.
type Adapter interface {
	// Type returns the canonical engine identifier.
	Type() dbcapabilities.DatabaseID

	// Capabilities returns the capability metadata for this engine.
	Capabilities() dbcapabilities.Capability

	// Config returns the configuration the adapter was built with.
	Config() ConnectionConfig

	// Initialize establishes the underlying native client and warms the
	// pool. Calling Initialize twice is undefined; callers must guard.
	Initialize(ctx context.Context) error

	// Shutdown drains and closes all pooled connections. It must not
	// fail on an already-closed adapter; individual close failures are
	// logged and swallowed.
	Shutdown(ctx context.Context) error

	// Pool returns the adapter's connection pool. Nil before Initialize.
	Pool() *Pool

	// HealthCheck performs a lightweight round-trip plus engine-specific
	// introspection. It never returns an error; failures are reported in
	// the returned document.
	HealthCheck(ctx context.Context) *HealthStatus

	// ExecuteQuery runs one parameterized statement on the borrowed
	// connection. Named placeholders (":name") are rewritten to the
	// engine's native syntax before dispatch.
	ExecuteQuery(ctx context.Context, conn *Connection, query string, params map[string]interface{}) (*QueryResult, error)

	// ExecuteMany runs the statement once per parameter set.
	ExecuteMany(ctx context.Context, conn *Connection, query string, paramSets []map[string]interface{}) (*QueryResult, error)

	// FetchOne returns the first result row, or nil when there is none.
	FetchOne(ctx context.Context, conn *Connection, query string, params map[string]interface{}) (map[string]interface{}, error)

	// FetchMany returns at most size result rows.
	FetchMany(ctx context.Context, conn *Connection, query string, params map[string]interface{}, size int) ([]map[string]interface{}, error)

	// FetchAll returns every result row.
	FetchAll(ctx context.Context, conn *Connection, query string, params map[string]interface{}) ([]map[string]interface{}, error)

	TransactionOperator
}

// TransactionOperator holds the engine-private transaction primitives.
// They are invoked only through a TransactionContext, which maintains
// the state machine and the savepoint stack.
type TransactionOperator interface {
	BeginTransaction(ctx context.Context, conn *Connection, opts TxOptions) error
	CommitTransaction(ctx context.Context, conn *Connection) error
	RollbackTransaction(ctx context.Context, conn *Connection) error

	// CreateSavepoint and RollbackToSavepoint fail with an
	// UnsupportedOperationError on engines without savepoint support.
	CreateSavepoint(ctx context.Context, conn *Connection, name string) error
	RollbackToSavepoint(ctx context.Context, conn *Connection, name string) error
}

// ConnectionFactory creates and closes native sessions for a pool.
// Each engine adapter implements this against its driver.
type ConnectionFactory interface {
	// NewConnection allocates one native session and attaches
	// engine-specific metadata (server version, timezone, charset).
	NewConnection(ctx context.Context) (*Connection, error)

	// CloseConnection closes the native session behind the Connection.
	CloseConnection(ctx context.Context, conn *Connection) error
}

// HealthStatus is the engine-agnostic health document.
type HealthStatus struct {
	Healthy      bool                   `json:"healthy"`
	ResponseTime time.Duration          `json:"responseTime"`
	Timestamp    time.Time              `json:"timestamp"`
	Error        string                 `json:"error,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// PoolStatus is the pool introspection document.
type PoolStatus struct {
	TotalConnections  int     `json:"totalConnections"`
	ActiveConnections int     `json:"activeConnections"`
	IdleConnections   int     `json:"idleConnections"`
	MinConnections    int     `json:"minConnections"`
	MaxConnections    int     `json:"maxConnections"`
	PoolUtilization   float64 `json:"poolUtilization"`
}
