package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crossdb-io/crossdb/pkg/adapter"
)

func TestBuildDSN(t *testing.T) {
	t.Run("default port", func(t *testing.T) {
		dsn := buildDSN(adapter.ConnectionConfig{
			Engine: "mysql", Host: "db.internal",
			Username: "app", Password: "secret", DatabaseName: "orders",
		})
		assert.Contains(t, dsn, "app:secret@tcp(db.internal:3306)/orders")
		assert.Contains(t, dsn, "parseTime=true")
	})

	t.Run("explicit port", func(t *testing.T) {
		dsn := buildDSN(adapter.ConnectionConfig{
			Engine: "mysql", Host: "db.internal", Port: 3307,
			Username: "app", DatabaseName: "orders",
		})
		assert.Contains(t, dsn, "tcp(db.internal:3307)")
	})

	t.Run("tls", func(t *testing.T) {
		dsn := buildDSN(adapter.ConnectionConfig{
			Engine: "mysql", Host: "h", DatabaseName: "d", SSL: true,
		})
		assert.Contains(t, dsn, "tls=true")

		dsn = buildDSN(adapter.ConnectionConfig{
			Engine: "mysql", Host: "h", DatabaseName: "d",
			SSL: true, SSLMode: "skip-verify",
		})
		assert.Contains(t, dsn, "tls=skip-verify")
	})
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(adapter.ConnectionConfig{Engine: "mysql"}, nil)
	assert.Error(t, err)

	_, err = New(adapter.ConnectionConfig{
		Engine: "mysql", Host: "h", DatabaseName: "d",
	}, nil)
	assert.NoError(t, err)
}
