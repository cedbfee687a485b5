package adapter

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

func TestErrorTaxonomy(t *testing.T) {
	t.Run("database error unwraps to sentinel", func(t *testing.T) {
		err := NewDatabaseError(dbcapabilities.PostgreSQL, "pool.get", ErrPoolExhausted)
		assert.True(t, errors.Is(err, ErrPoolExhausted))
		assert.False(t, errors.Is(err, ErrConnectionFailed))
	})

	t.Run("connection error matches ErrConnectionFailed", func(t *testing.T) {
		err := NewConnectionError(dbcapabilities.MySQL, "db.internal", 3306, errors.New("dial tcp: refused"))
		assert.True(t, errors.Is(err, ErrConnectionFailed))
		assert.Contains(t, err.Error(), "db.internal:3306")
	})

	t.Run("configuration error matches ErrInvalidConfiguration", func(t *testing.T) {
		err := NewConfigurationError(dbcapabilities.SQLite, "maxConnections", "must be at least 1")
		assert.True(t, errors.Is(err, ErrInvalidConfiguration))
	})

	t.Run("unsupported operation matches sentinel", func(t *testing.T) {
		err := NewUnsupportedOperationError(dbcapabilities.MongoDB, "savepoints", "")
		assert.True(t, errors.Is(err, ErrOperationNotSupported))
	})

	t.Run("context attaches to message", func(t *testing.T) {
		err := NewDatabaseError(dbcapabilities.PostgreSQL, "pool.get", ErrPoolExhausted).
			WithContext("max_connections", 10)
		assert.Contains(t, err.Error(), "max_connections")
	})
}

func TestWrapError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, WrapError(dbcapabilities.PostgreSQL, "op", nil))
	})

	t.Run("does not double wrap", func(t *testing.T) {
		inner := NewDatabaseError(dbcapabilities.PostgreSQL, "first", ErrTimeout)
		wrapped := WrapError(dbcapabilities.PostgreSQL, "second", inner)
		assert.Same(t, error(inner), wrapped)
	})

	t.Run("wraps plain errors", func(t *testing.T) {
		wrapped := WrapError(dbcapabilities.PostgreSQL, "op", errors.New("boom"))
		var dbErr *DatabaseError
		require.True(t, errors.As(wrapped, &dbErr))
		assert.Equal(t, "op", dbErr.Operation)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"auth keyword", errors.New("FATAL: password authentication failed"), ErrAuthenticationFailed},
		{"access denied", errors.New("Error 1045: Access denied for user"), ErrAuthenticationFailed},
		{"timeout keyword", errors.New("context deadline exceeded"), ErrTimeout},
		{"duplicate key", errors.New("ERROR: duplicate key value violates unique constraint"), ErrIntegrityViolation},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connection refused"), ErrConnectionFailed},
		{"syntax", errors.New(`ERROR: syntax error at or near "FROM"`), ErrInvalidQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(dbcapabilities.PostgreSQL, "query", tt.err)
			assert.True(t, errors.Is(got, tt.kind), "expected %v for %v", tt.kind, tt.err)
		})
	}

	t.Run("known kinds pass through", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", ErrSavepointNotFound)
		assert.Same(t, err, Classify(dbcapabilities.PostgreSQL, "query", err))
	})

	t.Run("unknown errors keep their message", func(t *testing.T) {
		got := Classify(dbcapabilities.PostgreSQL, "query", errors.New("something odd"))
		assert.Contains(t, got.Error(), "something odd")
	})

	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, Classify(dbcapabilities.PostgreSQL, "query", nil))
	})
}

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{
			"quoted password without separator",
			"CREATE USER app WITH PASSWORD 'hunter2'",
			"CREATE USER app WITH PASSWORD '***'",
		},
		{
			"assignment",
			"SET password = 'secret123' WHERE id = 1",
			"SET password = '***' WHERE id = 1",
		},
		{
			"json token",
			`{"token": "abc.def.ghi"}`,
			`{"token": '***'}`,
		},
		{
			"nothing sensitive",
			"SELECT * FROM users WHERE id = 1",
			"SELECT * FROM users WHERE id = 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeQuery(tt.query))
		})
	}
}
