package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossdb-io/crossdb/pkg/adapter"
	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// newTestAdapter opens an in-memory database. Every session to
// ":memory:" gets its own database, so the pool is pinned to a single
// connection.
func newTestAdapter(t *testing.T) (adapter.Adapter, *adapter.Connection) {
	t.Helper()
	ctx := context.Background()

	adp, err := New(adapter.ConnectionConfig{
		Engine:   "sqlite",
		FilePath: ":memory:",
		Pool: adapter.PoolConfig{
			MinConnections: 1,
			MaxConnections: 1,
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, adp.Initialize(ctx))
	t.Cleanup(func() { _ = adp.Shutdown(ctx) })

	conn, err := adp.Pool().Get(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { adp.Pool().Put(conn) })

	_, err = adp.ExecuteQuery(ctx, conn,
		"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT UNIQUE NOT NULL, age INTEGER)", nil)
	require.NoError(t, err)

	return adp, conn
}

func TestAdapterMetadata(t *testing.T) {
	adp, conn := newTestAdapter(t)

	assert.Equal(t, dbcapabilities.SQLite, adp.Type())
	assert.True(t, adp.Capabilities().HasSavepoints)
	assert.Contains(t, conn.Metadata(), "server_version")
}

func TestAdapterQueries(t *testing.T) {
	ctx := context.Background()
	adp, conn := newTestAdapter(t)

	result, err := adp.ExecuteMany(ctx, conn,
		"INSERT INTO users (email, age) VALUES (:email, :age)",
		[]map[string]interface{}{
			{"email": "ada@example.com", "age": 36},
			{"email": "grace@example.com", "age": 45},
		})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowsAffected)

	t.Run("fetch all", func(t *testing.T) {
		rows, err := adp.FetchAll(ctx, conn, "SELECT email, age FROM users ORDER BY id", nil)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "ada@example.com", rows[0]["email"])
		assert.Equal(t, int64(45), rows[1]["age"])
	})

	t.Run("fetch many respects size", func(t *testing.T) {
		rows, err := adp.FetchMany(ctx, conn, "SELECT email FROM users ORDER BY id", nil, 1)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("fetch one", func(t *testing.T) {
		row, err := adp.FetchOne(ctx, conn,
			"SELECT age FROM users WHERE email = :email",
			map[string]interface{}{"email": "grace@example.com"})
		require.NoError(t, err)
		assert.Equal(t, int64(45), row["age"])
	})

	t.Run("fetch one without match returns nil", func(t *testing.T) {
		row, err := adp.FetchOne(ctx, conn,
			"SELECT age FROM users WHERE email = :email",
			map[string]interface{}{"email": "nobody@example.com"})
		require.NoError(t, err)
		assert.Nil(t, row)
	})

	t.Run("update reports affected rows", func(t *testing.T) {
		result, err := adp.ExecuteQuery(ctx, conn,
			"UPDATE users SET age = age + :delta", map[string]interface{}{"delta": 1})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.RowsAffected)
	})

	t.Run("missing parameter fails", func(t *testing.T) {
		_, err := adp.ExecuteQuery(ctx, conn,
			"SELECT * FROM users WHERE email = :email", nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, adapter.ErrMissingParameter))
	})

	t.Run("duplicate email is an integrity violation", func(t *testing.T) {
		_, err := adp.ExecuteQuery(ctx, conn,
			"INSERT INTO users (email) VALUES (:email)",
			map[string]interface{}{"email": "ada@example.com"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, adapter.ErrIntegrityViolation))
	})
}

func TestAdapterTransactions(t *testing.T) {
	ctx := context.Background()
	adp, conn := newTestAdapter(t)

	t.Run("commit persists", func(t *testing.T) {
		tx, err := adapter.Begin(ctx, dbcapabilities.SQLite, adp, conn, adapter.TxOptions{})
		require.NoError(t, err)

		_, err = adp.ExecuteQuery(ctx, conn,
			"INSERT INTO users (email) VALUES (:email)",
			map[string]interface{}{"email": "a@example.com"})
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		row, err := adp.FetchOne(ctx, conn, "SELECT COUNT(*) AS n FROM users", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), row["n"])
	})

	t.Run("rollback discards", func(t *testing.T) {
		tx, err := adapter.Begin(ctx, dbcapabilities.SQLite, adp, conn, adapter.TxOptions{})
		require.NoError(t, err)

		_, err = adp.ExecuteQuery(ctx, conn,
			"INSERT INTO users (email) VALUES (:email)",
			map[string]interface{}{"email": "b@example.com"})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))

		row, err := adp.FetchOne(ctx, conn, "SELECT COUNT(*) AS n FROM users", nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), row["n"])
	})

	t.Run("serializable maps to immediate", func(t *testing.T) {
		tx, err := adapter.Begin(ctx, dbcapabilities.SQLite, adp, conn,
			adapter.TxOptions{Isolation: adapter.IsolationSerializable})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))
	})
}

func TestAdapterSavepointRecovery(t *testing.T) {
	ctx := context.Background()
	adp, conn := newTestAdapter(t)

	insert := func(email string) error {
		_, err := adp.ExecuteQuery(ctx, conn,
			"INSERT INTO users (email) VALUES (:email)",
			map[string]interface{}{"email": email})
		return err
	}

	require.NoError(t, insert("first@example.com"))

	tx, err := adapter.Begin(ctx, dbcapabilities.SQLite, adp, conn, adapter.TxOptions{})
	require.NoError(t, err)

	require.NoError(t, insert("second@example.com"))

	// A failed statement after the savepoint is undone without losing
	// the rest of the transaction.
	sp, err := tx.Savepoint(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "sp_1", sp)

	err = insert("first@example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrIntegrityViolation))

	require.NoError(t, tx.RollbackToSavepoint(ctx, sp))
	require.NoError(t, insert("third@example.com"))
	require.NoError(t, tx.Commit(ctx))

	rows, err := adp.FetchAll(ctx, conn, "SELECT email FROM users ORDER BY id", nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "third@example.com", rows[2]["email"])
}

func TestAdapterHealthCheck(t *testing.T) {
	ctx := context.Background()
	adp, _ := newTestAdapter(t)

	status := adp.HealthCheck(ctx)
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Error)
	assert.Contains(t, status.Details, "journal_mode")
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      adapter.ConnectionConfig
		expected string
	}{
		{
			"memory",
			adapter.ConnectionConfig{Engine: "sqlite", FilePath: ":memory:"},
			":memory:",
		},
		{
			"database name fallback",
			adapter.ConnectionConfig{Engine: "sqlite", DatabaseName: ":memory:"},
			":memory:",
		},
		{
			"file gets busy timeout",
			adapter.ConnectionConfig{Engine: "sqlite", FilePath: "/var/lib/app.db"},
			"/var/lib/app.db?_pragma=busy_timeout%285000%29",
		},
		{
			"explicit query preserved",
			adapter.ConnectionConfig{Engine: "sqlite", FilePath: "app.db?mode=ro"},
			"app.db?mode=ro",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, buildDSN(tt.cfg))
		})
	}
}
