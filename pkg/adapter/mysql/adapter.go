// Package mysql implements the crossdb adapter contract for MySQL on
// top of database/sql with the go-sql-driver driver.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/crossdb-io/crossdb/pkg/adapter"
	"github.com/crossdb-io/crossdb/pkg/adapter/sqlutil"
	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
	"github.com/crossdb-io/crossdb/pkg/logger"
)

// Adapter implements adapter.Adapter for MySQL. The native client is
// one *sql.DB; each pooled Connection pins one *sql.Conn from it so
// that session state (transactions, savepoints) stays on a single
// backend session.
type Adapter struct {
	cfg  adapter.ConnectionConfig
	log  *logger.Logger
	db   *sql.DB
	pool *adapter.Pool

	dsn string
}

// New creates a MySQL adapter for the given configuration.
func New(cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Adapter{
		cfg: cfg,
		log: log,
		dsn: buildDSN(cfg),
	}, nil
}

// Register registers the MySQL factory with a registry.
func Register(r *adapter.Registry) error {
	return r.Register(dbcapabilities.MySQL, New)
}

// Type returns the engine identifier.
func (a *Adapter) Type() dbcapabilities.DatabaseID {
	return dbcapabilities.MySQL
}

// Capabilities returns the capability metadata for MySQL.
func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.MySQL)
}

// Config returns the adapter configuration.
func (a *Adapter) Config() adapter.ConnectionConfig {
	return a.cfg
}

// Pool returns the connection pool. Nil before Initialize.
func (a *Adapter) Pool() *adapter.Pool {
	return a.pool
}

// Initialize opens the native client, verifies the server is
// reachable, and warms the pool.
func (a *Adapter) Initialize(ctx context.Context) error {
	db, err := sql.Open("mysql", a.dsn)
	if err != nil {
		return adapter.NewConnectionError(dbcapabilities.MySQL, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error opening database: %w", err))
	}

	// Pooling is handled by the crossdb pool; database/sql must not
	// cap or recycle sessions underneath it.
	poolCfg := a.cfg.PoolOrDefault()
	db.SetMaxOpenConns(poolCfg.MaxConnections + 1) // +1 for health probes
	db.SetMaxIdleConns(poolCfg.MaxConnections + 1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return adapter.NewConnectionError(dbcapabilities.MySQL, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error pinging database: %w", err))
	}
	a.db = db

	pool, err := adapter.NewPool(dbcapabilities.MySQL, poolCfg, a, a.log)
	if err != nil {
		_ = db.Close()
		return err
	}
	a.pool = pool

	return pool.WarmUp(ctx)
}

// Shutdown drains the pool and closes the native client. Safe on an
// uninitialized or already-closed adapter.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Close(ctx)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && a.log != nil {
			a.log.Warn("closing mysql client: %v", err)
		}
		a.db = nil
	}
	return nil
}

// NewConnection pins one session and attaches server metadata. Part of
// the adapter.ConnectionFactory contract.
func (a *Adapter) NewConnection(ctx context.Context) (*adapter.Connection, error) {
	if a.db == nil {
		return nil, adapter.NewDatabaseError(dbcapabilities.MySQL, "connection", adapter.ErrConnectionClosed)
	}

	native, err := a.db.Conn(ctx)
	if err != nil {
		return nil, adapter.NewConnectionError(dbcapabilities.MySQL, a.cfg.Host, a.cfg.Port, err)
	}

	metadata := make(map[string]interface{})
	var version, charset, timezone string
	err = native.QueryRowContext(ctx,
		"SELECT VERSION(), @@character_set_connection, @@time_zone").
		Scan(&version, &charset, &timezone)
	if err != nil {
		_ = native.Close()
		return nil, adapter.NewConnectionError(dbcapabilities.MySQL, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error reading session metadata: %w", err))
	}
	metadata["server_version"] = version
	metadata["charset"] = charset
	metadata["timezone"] = timezone

	return adapter.NewConnection(dbcapabilities.MySQL, native, metadata), nil
}

// CloseConnection closes the pinned session. Part of the
// adapter.ConnectionFactory contract.
func (a *Adapter) CloseConnection(ctx context.Context, conn *adapter.Connection) error {
	native, err := a.native(conn)
	if err != nil {
		return err
	}
	return native.Close()
}

// HealthCheck performs SELECT 1 plus server introspection on a
// dedicated probe session. It never returns an error.
func (a *Adapter) HealthCheck(ctx context.Context) *adapter.HealthStatus {
	started := time.Now()
	status := &adapter.HealthStatus{
		Timestamp: started,
		Details:   make(map[string]interface{}),
	}

	conn, err := a.NewConnection(ctx)
	if err != nil {
		status.Error = err.Error()
		status.ResponseTime = time.Since(started)
		return status
	}
	defer func() { _ = a.CloseConnection(ctx, conn) }()
	native, _ := a.native(conn)

	var one int
	if err := sqlutil.QueryValue(ctx, native, &one, "SELECT 1"); err != nil {
		status.Error = err.Error()
		status.ResponseTime = time.Since(started)
		return status
	}

	status.Healthy = true
	status.ResponseTime = time.Since(started)

	// Best-effort introspection.
	var maxConns int
	if err := sqlutil.QueryValue(ctx, native, &maxConns, "SELECT @@max_connections"); err == nil {
		status.Details["max_connections"] = maxConns
	}
	var threads int
	if err := sqlutil.QueryValue(ctx, native, &threads,
		"SELECT VARIABLE_VALUE FROM performance_schema.global_status WHERE VARIABLE_NAME = 'Threads_connected'"); err == nil {
		status.Details["threads_connected"] = threads
	}
	var size sql.NullInt64
	if err := sqlutil.QueryValue(ctx, native, &size,
		"SELECT SUM(data_length + index_length) FROM information_schema.tables WHERE table_schema = DATABASE()"); err == nil && size.Valid {
		status.Details["database_size"] = size.Int64
	}

	return status
}

// ExecuteQuery runs one parameterized statement. Statements that
// return rows are fetched; others report the affected row count.
func (a *Adapter) ExecuteQuery(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) (*adapter.QueryResult, error) {
	started := time.Now()

	sqlText, args, err := adapter.BindNamed(dbcapabilities.MySQL, dbcapabilities.PlaceholderQuestion, query, params)
	if err != nil {
		return nil, err
	}

	native, err := a.native(conn)
	if err != nil {
		return nil, err
	}

	if sqlutil.ReturnsRows(sqlText) {
		data, err := sqlutil.FetchMaps(ctx, native, -1, sqlText, args...)
		if err != nil {
			return nil, a.queryErr(query, err)
		}
		conn.RecordQuery()
		return adapter.NewQueryResult(data, 0, started), nil
	}

	affected, err := sqlutil.Exec(ctx, native, sqlText, args...)
	if err != nil {
		return nil, a.queryErr(query, err)
	}
	conn.RecordQuery()
	return adapter.NewQueryResult(nil, affected, started), nil
}

// ExecuteMany runs the statement once per parameter set and sums the
// affected row counts. Execution stops on the first failure.
func (a *Adapter) ExecuteMany(ctx context.Context, conn *adapter.Connection, query string, paramSets []map[string]interface{}) (*adapter.QueryResult, error) {
	started := time.Now()

	native, err := a.native(conn)
	if err != nil {
		return nil, err
	}

	var affected int64
	for _, params := range paramSets {
		sqlText, args, err := adapter.BindNamed(dbcapabilities.MySQL, dbcapabilities.PlaceholderQuestion, query, params)
		if err != nil {
			return nil, err
		}
		n, err := sqlutil.Exec(ctx, native, sqlText, args...)
		if err != nil {
			return nil, a.queryErr(query, err)
		}
		affected += n
		conn.RecordQuery()
	}

	return adapter.NewQueryResult(nil, affected, started), nil
}

// FetchOne returns the first result row, or nil when there is none.
func (a *Adapter) FetchOne(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) (map[string]interface{}, error) {
	rows, err := a.FetchMany(ctx, conn, query, params, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// FetchMany returns at most size result rows.
func (a *Adapter) FetchMany(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}, size int) ([]map[string]interface{}, error) {
	sqlText, args, err := adapter.BindNamed(dbcapabilities.MySQL, dbcapabilities.PlaceholderQuestion, query, params)
	if err != nil {
		return nil, err
	}
	native, err := a.native(conn)
	if err != nil {
		return nil, err
	}
	data, err := sqlutil.FetchMaps(ctx, native, size, sqlText, args...)
	if err != nil {
		return nil, a.queryErr(query, err)
	}
	conn.RecordQuery()
	return data, nil
}

// FetchAll returns every result row.
func (a *Adapter) FetchAll(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	return a.FetchMany(ctx, conn, query, params, -1)
}

// BeginTransaction opens a transaction with the requested isolation
// level and access mode. The isolation level applies to the next
// transaction on the session, so it is set first.
func (a *Adapter) BeginTransaction(ctx context.Context, conn *adapter.Connection, opts adapter.TxOptions) error {
	if opts.Isolation != adapter.IsolationDefault {
		if err := a.execTx(ctx, conn, "SET TRANSACTION ISOLATION LEVEL "+opts.Isolation.SQL()); err != nil {
			return err
		}
	}
	stmt := "START TRANSACTION"
	if opts.ReadOnly {
		stmt += " READ ONLY"
	}
	return a.execTx(ctx, conn, stmt)
}

// CommitTransaction commits the open transaction.
func (a *Adapter) CommitTransaction(ctx context.Context, conn *adapter.Connection) error {
	return a.execTx(ctx, conn, "COMMIT")
}

// RollbackTransaction rolls the open transaction back.
func (a *Adapter) RollbackTransaction(ctx context.Context, conn *adapter.Connection) error {
	return a.execTx(ctx, conn, "ROLLBACK")
}

// CreateSavepoint creates a named savepoint.
func (a *Adapter) CreateSavepoint(ctx context.Context, conn *adapter.Connection, name string) error {
	return a.execTx(ctx, conn, "SAVEPOINT "+name)
}

// RollbackToSavepoint rolls back to a named savepoint.
func (a *Adapter) RollbackToSavepoint(ctx context.Context, conn *adapter.Connection, name string) error {
	return a.execTx(ctx, conn, "ROLLBACK TO SAVEPOINT "+name)
}

func (a *Adapter) execTx(ctx context.Context, conn *adapter.Connection, stmt string) error {
	native, err := a.native(conn)
	if err != nil {
		return err
	}
	if _, err := native.ExecContext(ctx, stmt); err != nil {
		return adapter.Classify(dbcapabilities.MySQL, "transaction", err)
	}
	return nil
}

func (a *Adapter) native(conn *adapter.Connection) (*sql.Conn, error) {
	native, ok := conn.Native().(*sql.Conn)
	if !ok {
		return nil, adapter.NewDatabaseError(dbcapabilities.MySQL, "connection",
			fmt.Errorf("invalid mysql connection type"))
	}
	return native, nil
}

func (a *Adapter) queryErr(query string, err error) error {
	return adapter.NewQueryError(dbcapabilities.MySQL, query,
		adapter.Classify(dbcapabilities.MySQL, "query", err))
}

// buildDSN assembles the driver DSN from the configuration.
func buildDSN(cfg adapter.ConnectionConfig) string {
	port := cfg.Port
	if port == 0 {
		port = dbcapabilities.MustGet(dbcapabilities.MySQL).DefaultPort
	}

	mc := gomysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, port)
	mc.DBName = cfg.DatabaseName
	mc.ParseTime = true
	mc.MultiStatements = false

	if cfg.SSL {
		if cfg.SSLMode == "skip-verify" || cfg.SSLMode == "preferred" {
			mc.TLSConfig = "skip-verify"
		} else {
			mc.TLSConfig = "true"
		}
	}

	return mc.FormatDSN()
}
