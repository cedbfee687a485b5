package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCheck(t *testing.T) {
	c := NewChecker()
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		check := c.RunCheck(ctx, "db1", func(ctx context.Context) error { return nil })
		assert.Equal(t, StatusHealthy, check.Status)
		assert.Empty(t, check.Message)
		assert.False(t, check.LastChecked.IsZero())
	})

	t.Run("unhealthy", func(t *testing.T) {
		check := c.RunCheck(ctx, "db2", func(ctx context.Context) error {
			return errors.New("connection refused")
		})
		assert.Equal(t, StatusUnhealthy, check.Status)
		assert.Equal(t, "connection refused", check.Message)
	})

	t.Run("recorded", func(t *testing.T) {
		got, ok := c.Check("db2")
		require.True(t, ok)
		assert.Equal(t, StatusUnhealthy, got.Status)
		assert.Len(t, c.Checks(), 2)
	})
}

func TestOverallStatus(t *testing.T) {
	c := NewChecker()

	assert.Equal(t, StatusHealthy, c.OverallStatus(), "no checks means healthy")

	c.Set(Check{Name: "a", Status: StatusHealthy})
	c.Set(Check{Name: "b", Status: StatusHealthy})
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.Set(Check{Name: "b", Status: StatusUnhealthy})
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.Set(Check{Name: "a", Status: StatusUnhealthy})
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	c.Remove("a")
	c.Remove("b")
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}
