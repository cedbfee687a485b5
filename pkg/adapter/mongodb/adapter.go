// Package mongodb implements the crossdb adapter contract for MongoDB.
//
// Statements are extended-JSON command documents rather than SQL; they
// run through db.runCommand. Named placeholders are substituted into
// the document before parsing. Transactions map to MongoDB sessions;
// savepoints and isolation levels are not supported and report
// unsupported-operation errors.
package mongodb

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/crossdb-io/crossdb/pkg/adapter"
	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
	"github.com/crossdb-io/crossdb/pkg/logger"
)

// Adapter implements adapter.Adapter for MongoDB. The native client is
// one *mongo.Client; each pooled Connection carries one *mongo.Session
// so transactions stay on a single causally consistent session.
type Adapter struct {
	cfg    adapter.ConnectionConfig
	log    *logger.Logger
	client *mongo.Client
	pool   *adapter.Pool

	uri string
}

// New creates a MongoDB adapter for the given configuration.
func New(cfg adapter.ConnectionConfig, log *logger.Logger) (adapter.Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Adapter{
		cfg: cfg,
		log: log,
		uri: buildURI(cfg),
	}, nil
}

// Register registers the MongoDB factory with a registry.
func Register(r *adapter.Registry) error {
	return r.Register(dbcapabilities.MongoDB, New)
}

// Type returns the engine identifier.
func (a *Adapter) Type() dbcapabilities.DatabaseID {
	return dbcapabilities.MongoDB
}

// Capabilities returns the capability metadata for MongoDB.
func (a *Adapter) Capabilities() dbcapabilities.Capability {
	return dbcapabilities.MustGet(dbcapabilities.MongoDB)
}

// Config returns the adapter configuration.
func (a *Adapter) Config() adapter.ConnectionConfig {
	return a.cfg
}

// Pool returns the connection pool. Nil before Initialize.
func (a *Adapter) Pool() *adapter.Pool {
	return a.pool
}

// Initialize connects the native client, verifies the server is
// reachable, and warms the pool.
func (a *Adapter) Initialize(ctx context.Context) error {
	client, err := mongo.Connect(options.Client().ApplyURI(a.uri))
	if err != nil {
		return adapter.NewConnectionError(dbcapabilities.MongoDB, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error creating client: %w", err))
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return adapter.NewConnectionError(dbcapabilities.MongoDB, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error pinging database: %w", err))
	}
	a.client = client

	pool, err := adapter.NewPool(dbcapabilities.MongoDB, a.cfg.PoolOrDefault(), a, a.log)
	if err != nil {
		_ = client.Disconnect(ctx)
		return err
	}
	a.pool = pool

	return pool.WarmUp(ctx)
}

// Shutdown drains the pool and disconnects the client.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Close(ctx)
	}
	if a.client != nil {
		if err := a.client.Disconnect(ctx); err != nil && a.log != nil {
			a.log.Warn("disconnecting mongodb client: %v", err)
		}
		a.client = nil
	}
	return nil
}

// NewConnection starts one session and attaches server metadata. Part
// of the adapter.ConnectionFactory contract.
func (a *Adapter) NewConnection(ctx context.Context) (*adapter.Connection, error) {
	if a.client == nil {
		return nil, adapter.NewDatabaseError(dbcapabilities.MongoDB, "connection", adapter.ErrConnectionClosed)
	}

	sess, err := a.client.StartSession()
	if err != nil {
		return nil, adapter.NewConnectionError(dbcapabilities.MongoDB, a.cfg.Host, a.cfg.Port,
			fmt.Errorf("error starting session: %w", err))
	}

	metadata := make(map[string]interface{})
	var buildInfo struct {
		Version string `bson:"version"`
	}
	if err := a.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).
		Decode(&buildInfo); err == nil {
		metadata["server_version"] = buildInfo.Version
	}
	metadata["database"] = a.cfg.DatabaseName

	return adapter.NewConnection(dbcapabilities.MongoDB, sess, metadata), nil
}

// CloseConnection ends the session. Part of the
// adapter.ConnectionFactory contract.
func (a *Adapter) CloseConnection(ctx context.Context, conn *adapter.Connection) error {
	sess, err := a.session(conn)
	if err != nil {
		return err
	}
	sess.EndSession(ctx)
	return nil
}

// HealthCheck pings the server and gathers best-effort server status.
// It never returns an error.
func (a *Adapter) HealthCheck(ctx context.Context) *adapter.HealthStatus {
	started := time.Now()
	status := &adapter.HealthStatus{
		Timestamp: started,
		Details:   make(map[string]interface{}),
	}

	if a.client == nil {
		status.Error = adapter.ErrConnectionClosed.Error()
		status.ResponseTime = time.Since(started)
		return status
	}

	if err := a.client.Ping(ctx, nil); err != nil {
		status.Error = err.Error()
		status.ResponseTime = time.Since(started)
		return status
	}

	status.Healthy = true
	status.ResponseTime = time.Since(started)

	// Best-effort introspection.
	var serverStatus struct {
		Version     string `bson:"version"`
		Connections struct {
			Current   int32 `bson:"current"`
			Available int32 `bson:"available"`
		} `bson:"connections"`
	}
	if err := a.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "serverStatus", Value: 1}}).
		Decode(&serverStatus); err == nil {
		status.Details["server_version"] = serverStatus.Version
		status.Details["connections_current"] = serverStatus.Connections.Current
		status.Details["connections_available"] = serverStatus.Connections.Available
	}
	var dbStats struct {
		DataSize float64 `bson:"dataSize"`
	}
	if err := a.client.Database(a.cfg.DatabaseName).
		RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).
		Decode(&dbStats); err == nil {
		status.Details["database_size"] = int64(dbStats.DataSize)
	}
	// replSetGetStatus fails on standalone servers; that is fine.
	var replStatus struct {
		Set     string `bson:"set"`
		MyState int32  `bson:"myState"`
	}
	if err := a.client.Database("admin").
		RunCommand(ctx, bson.D{{Key: "replSetGetStatus", Value: 1}}).
		Decode(&replStatus); err == nil {
		status.Details["replica_set"] = replStatus.Set
		status.Details["replica_state"] = replStatus.MyState
	}

	return status
}

// ExecuteQuery runs one command document against the configured
// database. Cursor-producing commands (find, aggregate) return rows;
// write commands report the affected document count.
func (a *Adapter) ExecuteQuery(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) (*adapter.QueryResult, error) {
	started := time.Now()

	rows, affected, err := a.runCommand(ctx, conn, query, params, -1)
	if err != nil {
		return nil, err
	}
	conn.RecordQuery()
	return adapter.NewQueryResult(rows, affected, started), nil
}

// ExecuteMany runs the command once per parameter set and sums the
// affected document counts. Execution stops on the first failure.
func (a *Adapter) ExecuteMany(ctx context.Context, conn *adapter.Connection, query string, paramSets []map[string]interface{}) (*adapter.QueryResult, error) {
	started := time.Now()

	var affected int64
	for _, params := range paramSets {
		_, n, err := a.runCommand(ctx, conn, query, params, -1)
		if err != nil {
			return nil, err
		}
		affected += n
		conn.RecordQuery()
	}

	return adapter.NewQueryResult(nil, affected, started), nil
}

// FetchOne returns the first result document, or nil when there is none.
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

// FetchMany returns at most size result documents.
func (a *Adapter) FetchMany(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}, size int) ([]map[string]interface{}, error) {
	rows, _, err := a.runCommand(ctx, conn, query, params, size)
	if err != nil {
		return nil, err
	}
	conn.RecordQuery()
	return rows, nil
}

// FetchAll returns every result document.
func (a *Adapter) FetchAll(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	return a.FetchMany(ctx, conn, query, params, -1)
}

// BeginTransaction starts a multi-document transaction on the session.
// Isolation levels have no MongoDB equivalent and are rejected; the
// read-only flag has no effect.
func (a *Adapter) BeginTransaction(ctx context.Context, conn *adapter.Connection, opts adapter.TxOptions) error {
	if opts.Isolation != adapter.IsolationDefault {
		return adapter.NewUnsupportedOperationError(dbcapabilities.MongoDB, "isolation levels",
			"transactions always use snapshot semantics")
	}
	sess, err := a.session(conn)
	if err != nil {
		return err
	}
	if err := sess.StartTransaction(); err != nil {
		return adapter.Classify(dbcapabilities.MongoDB, "begin_transaction", err)
	}
	return nil
}

// CommitTransaction commits the session transaction.
func (a *Adapter) CommitTransaction(ctx context.Context, conn *adapter.Connection) error {
	sess, err := a.session(conn)
	if err != nil {
		return err
	}
	if err := sess.CommitTransaction(ctx); err != nil {
		return adapter.Classify(dbcapabilities.MongoDB, "commit_transaction", err)
	}
	return nil
}

// RollbackTransaction aborts the session transaction.
func (a *Adapter) RollbackTransaction(ctx context.Context, conn *adapter.Connection) error {
	sess, err := a.session(conn)
	if err != nil {
		return err
	}
	if err := sess.AbortTransaction(ctx); err != nil {
		return adapter.Classify(dbcapabilities.MongoDB, "rollback_transaction", err)
	}
	return nil
}

// CreateSavepoint reports that savepoints are unsupported.
func (a *Adapter) CreateSavepoint(ctx context.Context, conn *adapter.Connection, name string) error {
	return adapter.NewUnsupportedOperationError(dbcapabilities.MongoDB, "savepoints",
		"transactions cannot be partially rolled back")
}

// RollbackToSavepoint reports that savepoints are unsupported.
func (a *Adapter) RollbackToSavepoint(ctx context.Context, conn *adapter.Connection, name string) error {
	return adapter.NewUnsupportedOperationError(dbcapabilities.MongoDB, "savepoints",
		"transactions cannot be partially rolled back")
}

// commandResult is the subset of a runCommand response shared by the
// commands the adapter cares about. Unknown fields are ignored.
type commandResult struct {
	Cursor *struct {
		FirstBatch []bson.M `bson:"firstBatch"`
	} `bson:"cursor"`
	N         *int64 `bson:"n"`
	NModified *int64 `bson:"nModified"`
}

// runCommand binds parameters into the command document, runs it under
// the connection's session, and normalizes the response. A limit below
// zero means no limit.
func (a *Adapter) runCommand(ctx context.Context, conn *adapter.Connection, query string, params map[string]interface{}, limit int) ([]map[string]interface{}, int64, error) {
	sess, err := a.session(conn)
	if err != nil {
		return nil, 0, err
	}

	bound, err := adapter.BindDocument(dbcapabilities.MongoDB, query, params)
	if err != nil {
		return nil, 0, err
	}

	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(bound), false, &cmd); err != nil {
		return nil, 0, adapter.NewQueryError(dbcapabilities.MongoDB, query,
			fmt.Errorf("%w: %v", adapter.ErrInvalidQuery, err))
	}
	if len(cmd) == 0 {
		return nil, 0, adapter.NewQueryError(dbcapabilities.MongoDB, query,
			fmt.Errorf("%w: empty command document", adapter.ErrInvalidQuery))
	}

	// Run under the session so operations inside a transaction land on it.
	sctx := mongo.NewSessionContext(ctx, sess)
	raw, err := a.client.Database(a.cfg.DatabaseName).RunCommand(sctx, cmd).Raw()
	if err != nil {
		return nil, 0, adapter.NewQueryError(dbcapabilities.MongoDB, query,
			adapter.Classify(dbcapabilities.MongoDB, "command", err))
	}

	var res commandResult
	if err := bson.Unmarshal(raw, &res); err != nil {
		return nil, 0, adapter.NewQueryError(dbcapabilities.MongoDB, query,
			fmt.Errorf("decoding response: %w", err))
	}

	var affected int64
	if res.NModified != nil {
		affected = *res.NModified
	} else if res.N != nil {
		affected = *res.N
	}

	if res.Cursor != nil {
		rows := make([]map[string]interface{}, 0, len(res.Cursor.FirstBatch))
		for _, doc := range res.Cursor.FirstBatch {
			if limit >= 0 && len(rows) >= limit {
				break
			}
			rows = append(rows, normalizeDoc(doc))
		}
		return rows, affected, nil
	}

	// Non-cursor commands return the whole response as one row.
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, affected, nil
	}
	if limit == 0 {
		return nil, affected, nil
	}
	return []map[string]interface{}{normalizeDoc(doc)}, affected, nil
}

func (a *Adapter) session(conn *adapter.Connection) (*mongo.Session, error) {
	sess, ok := conn.Native().(*mongo.Session)
	if !ok {
		return nil, adapter.NewDatabaseError(dbcapabilities.MongoDB, "connection",
			fmt.Errorf("invalid mongodb connection type"))
	}
	return sess, nil
}

// normalizeDoc converts BSON container types to plain Go maps and
// slices so result rows look the same across engines.
func normalizeDoc(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return normalizeDoc(val)
	case bson.D:
		m := make(map[string]interface{}, len(val))
		for _, e := range val {
			m[e.Key] = normalizeValue(e.Value)
		}
		return m
	case bson.A:
		s := make([]interface{}, len(val))
		for i, e := range val {
			s[i] = normalizeValue(e)
		}
		return s
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time()
	default:
		return v
	}
}

// buildURI assembles the connection URI following the standard
// mongodb:// scheme; credentials authenticate against the admin
// database unless overridden through Options.
func buildURI(cfg adapter.ConnectionConfig) string {
	port := cfg.Port
	if port == 0 {
		port = dbcapabilities.MustGet(dbcapabilities.MongoDB).DefaultPort
	}

	var userInfo string
	if cfg.Username != "" {
		userInfo = url.QueryEscape(cfg.Username)
		if cfg.Password != "" {
			userInfo += ":" + url.QueryEscape(cfg.Password)
		}
		userInfo += "@"
	}

	q := url.Values{}
	if cfg.Username != "" {
		authSource := "admin"
		if v, ok := cfg.Options["auth_source"].(string); ok && v != "" {
			authSource = v
		}
		q.Set("authSource", authSource)
	}
	if cfg.SSL {
		q.Set("tls", "true")
		if cfg.SSLMode == "skip-verify" || cfg.SSLMode == "insecure" {
			q.Set("tlsInsecure", "true")
		}
	}

	uri := fmt.Sprintf("mongodb://%s%s:%d/%s", userInfo, cfg.Host, port, cfg.DatabaseName)
	if len(q) > 0 {
		uri += "?" + q.Encode()
	}
	return uri
}
