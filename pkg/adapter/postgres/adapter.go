// Package postgres implements the crossdb adapter contract for
// PostgreSQL on top of the pgx driver.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crossdb-io/crossdb/pkg/adapter"
	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
	"github.com/crossdb-io/crossdb/pkg/logger"
)

// Adapter implements adapter.Adapter for PostgreSQL. Each pooled
// Connection wraps one *pgx.Conn.
type Adapter struct {
	cfg  adapter.ConnectionConfig
	log  *logger.Logger
	pool *adapter.Pool

	connString string
}

// New creates a PostgreSQL adapter for the given configuration.
func New(cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Adapter{
		cfg:        cfg,
		log:        log,
		connString: buildConnString(cfg),
	}, nil
}

// Register registers the PostgreSQL factory with a registry.
func Register(r *adapter.Registry) error {
	return r.Register(dbcapabilities.PostgreSQL, New)
}

// Type returns the engine identifier.
func (a *Adapter) Type() dbcapabilities.DatabaseID {
	return dbcapabilities.PostgreSQL
}

// Capabilities returns the capability metadata for PostgreSQL.
func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.PostgreSQL)
}

// Config returns the adapter configuration.
func (a *Adapter) Config() adapter.ConnectionConfig {
	return a.cfg
}

// Pool returns the connection pool. Nil before Initialize.
func (a *Adapter) Pool() *adapter.Pool {
	return a.pool
}

// Initialize verifies the server is reachable and warms the pool to
// MinConnections.
func (a *Adapter) Initialize(ctx context.Context) error {
	probe, err := pgx.Connect(ctx, a.connString)
	if err != nil {
		return adapter.NewConnectionError(dbcapabilities.PostgreSQL, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error connecting to database: %w", err))
	}
	if err := probe.Ping(ctx); err != nil {
		_ = probe.Close(ctx)
		return adapter.NewConnectionError(dbcapabilities.PostgreSQL, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error pinging database: %w", err))
	}
	_ = probe.Close(ctx)

	pool, err := adapter.NewPool(dbcapabilities.PostgreSQL, a.cfg.PoolOrDefault(), a, a.log)
	if err != nil {
		return err
	}
	a.pool = pool

	return pool.WarmUp(ctx)
}

// Shutdown drains and closes the pool. Safe on an uninitialized or
// already-closed adapter.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Close(ctx)
	}
	return nil
}

// NewConnection allocates one native session and attaches server
// metadata. Part of the adapter.ConnectionFactory contract.
func (a *Adapter) NewConnection(ctx context.Context) (*adapter.Connection, error) {
	native, err := pgx.Connect(ctx, a.connString)
	if err != nil {
		return nil, adapter.NewConnectionError(dbcapabilities.PostgreSQL, a.cfg.Host, a.cfg.Port, err)
	}

	metadata := make(map[string]interface{})
	var version, timezone, encoding string
	err = native.QueryRow(ctx,
		`SELECT current_setting('server_version'),
		        current_setting('TimeZone'),
		        pg_encoding_to_char(encoding)
		 FROM pg_database WHERE datname = current_database()`).
		Scan(&version, &timezone, &encoding)
	if err != nil {
		_ = native.Close(ctx)
		return nil, adapter.NewConnectionError(dbcapabilities.PostgreSQL, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error reading session metadata: %w", err))
	}
	metadata["server_version"] = version
	metadata["timezone"] = timezone
	metadata["encoding"] = encoding

	return adapter.NewConnection(dbcapabilities.PostgreSQL, native, metadata), nil
}

// CloseConnection closes the native session. Part of the
// adapter.ConnectionFactory contract.
func (a *Adapter) CloseConnection(ctx context.Context, conn *adapter.Connection) error {
	native, err := a.native(conn)
	if err != nil {
		return err
	}
	return native.Close(ctx)
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
	if err := native.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		status.Error = err.Error()
		status.ResponseTime = time.Since(started)
		return status
	}

	status.Healthy = true
	status.ResponseTime = time.Since(started)

	// Introspection is best-effort; a failure here does not mark the
	// database unhealthy.
	var size int64
	if err := native.QueryRow(ctx, "SELECT pg_database_size(current_database())").Scan(&size); err == nil {
		status.Details["database_size"] = size
	}
	var backends int
	if err := native.QueryRow(ctx,
		"SELECT count(*) FROM pg_stat_activity WHERE datname = current_database()").Scan(&backends); err == nil {
		status.Details["active_backends"] = backends
	}
	var maxConns string
	if err := native.QueryRow(ctx, "SELECT current_setting('max_connections')").Scan(&maxConns); err == nil {
		status.Details["max_connections"] = maxConns
	}
	var inRecovery bool
	if err := native.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err == nil {
		status.Details["in_recovery"] = inRecovery
	}

	return status
}

// ExecuteQuery runs one parameterized statement.
func (a *Adapter) ExecuteQuery(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) (*adapter.QueryResult, error) {
	started := time.Now()

	sqlText, args, err := adapter.BindNamed(dbcapabilities.PostgreSQL, dbcapabilities.PlaceholderDollar, query, params)
	if err != nil {
		return nil, err
	}

	native, err := a.native(conn)
	if err != nil {
		return nil, err
	}

	rows, err := native.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, a.queryErr(query, err)
	}

	data, err := collectRows(rows)
	if err != nil {
		return nil, a.queryErr(query, err)
	}
	tag := rows.CommandTag()

	conn.RecordQuery()
	return adapter.NewQueryResult(data, tag.RowsAffected(), started), nil
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
		sqlText, args, err := adapter.BindNamed(dbcapabilities.PostgreSQL, dbcapabilities.PlaceholderDollar, query, params)
		if err != nil {
			return nil, err
		}
		tag, err := native.Exec(ctx, sqlText, args...)
		if err != nil {
			return nil, a.queryErr(query, err)
		}
		affected += tag.RowsAffected()
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
	result, err := a.ExecuteQuery(ctx, conn, query, params)
	if err != nil {
		return nil, err
	}
	if size >= 0 && len(result.Data) > size {
		return result.Data[:size], nil
	}
	return result.Data, nil
}

// FetchAll returns every result row.
func (a *Adapter) FetchAll(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	result, err := a.ExecuteQuery(ctx, conn, query, params)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// BeginTransaction opens a transaction with the requested isolation
// level and access mode.
func (a *Adapter) BeginTransaction(ctx context.Context, conn *adapter.Connection, opts adapter.TxOptions) error {
	var b strings.Builder
	b.WriteString("BEGIN")
	if opts.Isolation != adapter.IsolationDefault {
		b.WriteString(" ISOLATION LEVEL ")
		b.WriteString(opts.Isolation.SQL())
	}
	if opts.ReadOnly {
		b.WriteString(" READ ONLY")
	}
	return a.execTx(ctx, conn, b.String())
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

func (a *Adapter) execTx(ctx context.Context, conn *adapter.Connection, sqlText string) error {
	native, err := a.native(conn)
	if err != nil {
		return err
	}
	if _, err := native.Exec(ctx, sqlText); err != nil {
		return adapter.Classify(dbcapabilities.PostgreSQL, "transaction", err)
	}
	return nil
}

func (a *Adapter) native(conn *adapter.Connection) (*pgx.Conn, error) {
	native, ok := conn.Native().(*pgx.Conn)
	if !ok {
		return nil, adapter.NewDatabaseError(dbcapabilities.PostgreSQL, "connection",
			fmt.Errorf("invalid postgres connection type"))
	}
	return native, nil
}

func (a *Adapter) queryErr(query string, err error) error {
	return adapter.NewQueryError(dbcapabilities.PostgreSQL, query,
		adapter.Classify(dbcapabilities.PostgreSQL, "query", err))
}

// collectRows drains a pgx result set into column-name keyed maps.
func collectRows(rows pgx.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	fieldDescriptions := rows.FieldDescriptions()
	columnNames := make([]string, len(fieldDescriptions))
	for i, desc := range fieldDescriptions {
		columnNames[i] = string(desc.Name)
	}

	var results []map[string]interface{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row values: %w", err)
		}
		row := make(map[string]interface{}, len(columnNames))
		for i, name := range columnNames {
			row[name] = values[i]
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// buildConnString assembles a postgres connection URI from the
// configuration, mirroring the SSL mode rules of libpq.
func buildConnString(cfg adapter.ConnectionConfig) string {
	var connString strings.Builder

	port := cfg.Port
	if port == 0 {
		port = dbcapabilities.MustGet(dbcapabilities.PostgreSQL).DefaultPort
	}

	fmt.Fprintf(&connString, "postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(cfg.Username),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		port,
		cfg.DatabaseName)

	if cfg.SSL {
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "verify-full"
		}
		fmt.Fprintf(&connString, "?sslmode=%s", sslMode)

		if cfg.SSLCert != "" && cfg.SSLKey != "" {
			fmt.Fprintf(&connString, "&sslcert=%s&sslkey=%s", cfg.SSLCert, cfg.SSLKey)
		}
		if cfg.SSLRootCert != "" {
			fmt.Fprintf(&connString, "&sslrootcert=%s", cfg.SSLRootCert)
		}
	} else {
		connString.WriteString("?sslmode=disable")
	}

	return connString.String()
}
