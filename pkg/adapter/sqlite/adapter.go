// Package sqlite implements the crossdb adapter contract for SQLite
// using the cgo-free modernc.org driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crossdb-io/crossdb/pkg/adapter"
	"github.com/crossdb-io/crossdb/pkg/adapter/sqlutil"
	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
	"github.com/crossdb-io/crossdb/pkg/logger"
)

// Adapter implements adapter.Adapter for SQLite. As with MySQL, the
// native client is one *sql.DB and each pooled Connection pins one
// *sql.Conn. In-memory databases get one database per session, so
// configurations pointing at ":memory:" should run with a single-slot
// pool.
type Adapter struct {
	cfg  adapter.ConnectionConfig
	log  *logger.Logger
	db   *sql.DB
	pool *adapter.Pool

	dsn string
}

// New creates a SQLite adapter for the given configuration.
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

// Register registers the SQLite factory with a registry.
func Register(r *adapter.Registry) error {
	return r.Register(dbcapabilities.SQLite, New)
}

// Type returns the engine identifier.
func (a *Adapter) Type() dbcapabilities.DatabaseID {
	return dbcapabilities.SQLite
}

// Capabilities returns the capability metadata for SQLite.
func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.SQLite)
}

// Config returns the adapter configuration.
func (a *Adapter) Config() adapter.ConnectionConfig {
	return a.cfg
}

// Pool returns the connection pool. Nil before Initialize.
func (a *Adapter) Pool() *adapter.Pool {
	return a.pool
}

// Initialize opens the database file, verifies it is readable, and
// warms the pool.
func (a *Adapter) Initialize(ctx context.Context) error {
	db, err := sql.Open("sqlite", a.dsn)
	if err != nil {
		return adapter.NewConnectionError(dbcapabilities.SQLite, a.dsn, 0,
			fmt.Errorf("error opening database: %w", err))
	}

	poolCfg := a.cfg.PoolOrDefault()
	db.SetMaxOpenConns(poolCfg.MaxConnections + 1)
	db.SetMaxIdleConns(poolCfg.MaxConnections + 1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return adapter.NewConnectionError(dbcapabilities.SQLite, a.dsn, 0,
			fmt.Errorf("error opening database: %w", err))
	}
	a.db = db

	pool, err := adapter.NewPool(dbcapabilities.SQLite, poolCfg, a, a.log)
	if err != nil {
		_ = db.Close()
		return err
	}
	a.pool = pool

	return pool.WarmUp(ctx)
}

// Shutdown drains the pool and closes the database.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Close(ctx)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && a.log != nil {
			a.log.Warn("closing sqlite database: %v", err)
		}
		a.db = nil
	}
	return nil
}

// NewConnection pins one session, enables foreign key enforcement, and
// attaches database metadata. Part of the adapter.ConnectionFactory
// contract.
func (a *Adapter) NewConnection(ctx context.Context) (*adapter.Connection, error) {
	if a.db == nil {
		return nil, adapter.NewDatabaseError(dbcapabilities.SQLite, "connection", adapter.ErrConnectionClosed)
	}

	native, err := a.db.Conn(ctx)
	if err != nil {
		return nil, adapter.NewConnectionError(dbcapabilities.SQLite, a.dsn, 0, err)
	}

	if _, err := native.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = native.Close()
		return nil, adapter.NewConnectionError(dbcapabilities.SQLite, a.dsn, 0,
			fmt.Errorf("error enabling foreign keys: %w", err))
	}

	metadata := make(map[string]interface{})
	var version string
	if err := native.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err == nil {
		metadata["server_version"] = version
	}
	var journalMode string
	if err := native.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err == nil {
		metadata["journal_mode"] = journalMode
	}
	metadata["path"] = a.dsn

	return adapter.NewConnection(dbcapabilities.SQLite, native, metadata), nil
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

// HealthCheck performs SELECT 1 plus pragma introspection on a
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
	var pageCount, pageSize int64
	if err := sqlutil.QueryValue(ctx, native, &pageCount, "PRAGMA page_count"); err == nil {
		if err := sqlutil.QueryValue(ctx, native, &pageSize, "PRAGMA page_size"); err == nil {
			status.Details["database_size"] = pageCount * pageSize
		}
	}
	var journalMode string
	if err := sqlutil.QueryValue(ctx, native, &journalMode, "PRAGMA journal_mode"); err == nil {
		status.Details["journal_mode"] = journalMode
	}

	return status
}

// ExecuteQuery runs one parameterized statement.
func (a *Adapter) ExecuteQuery(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) (*adapter.QueryResult, error) {
	started := time.Now()

	sqlText, args, err := adapter.BindNamed(dbcapabilities.SQLite, dbcapabilities.PlaceholderQuestion, query, params)
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
		sqlText, args, err := adapter.BindNamed(dbcapabilities.SQLite, dbcapabilities.PlaceholderQuestion, query, params)
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
	sqlText, args, err := adapter.BindNamed(dbcapabilities.SQLite, dbcapabilities.PlaceholderQuestion, query, params)
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

// BeginTransaction opens a transaction. SQLite has no per-transaction
// isolation levels; serializable maps to BEGIN IMMEDIATE so the write
// lock is taken up front, everything else runs deferred.
func (a *Adapter) BeginTransaction(ctx context.Context, conn *adapter.Connection, opts adapter.TxOptions) error {
	stmt := "BEGIN DEFERRED"
	if opts.Isolation == adapter.IsolationSerializable && !opts.ReadOnly {
		stmt = "BEGIN IMMEDIATE"
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

// RollbackToSavepoint rolls back to a named savepoint. The savepoint
// survives the rollback and can be rolled back to again.
func (a *Adapter) RollbackToSavepoint(ctx context.Context, conn *adapter.Connection, name string) error {
	return a.execTx(ctx, conn, "ROLLBACK TO SAVEPOINT "+name)
}

func (a *Adapter) execTx(ctx context.Context, conn *adapter.Connection, stmt string) error {
	native, err := a.native(conn)
	if err != nil {
		return err
	}
	if _, err := native.ExecContext(ctx, stmt); err != nil {
		return adapter.Classify(dbcapabilities.SQLite, "transaction", err)
	}
	return nil
}

func (a *Adapter) native(conn *adapter.Connection) (*sql.Conn, error) {
	native, ok := conn.Native().(*sql.Conn)
	if !ok {
		return nil, adapter.NewDatabaseError(dbcapabilities.SQLite, "connection",
			fmt.Errorf("invalid sqlite connection type"))
	}
	return native, nil
}

func (a *Adapter) queryErr(query string, err error) error {
	return adapter.NewQueryError(dbcapabilities.SQLite, query,
		adapter.Classify(dbcapabilities.SQLite, "query", err))
}

// buildDSN resolves the database path. FilePath wins over DatabaseName;
// busy_timeout keeps concurrent sessions from failing immediately on a
// locked database.
func buildDSN(cfg adapter.ConnectionConfig) string {
	path := cfg.FilePath
	if path == "" {
		path = cfg.DatabaseName
	}
	if path == "" || path == ":memory:" {
		return ":memory:"
	}
	if strings.Contains(path, "?") {
		return path
	}

	q := url.Values{}
	q.Set("_pragma", "busy_timeout(5000)")
	return path + "?" + q.Encode()
}
