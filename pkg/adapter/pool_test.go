package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// fakeFactory is an in-memory ConnectionFactory. failures sets how many
// dials fail before one succeeds.
type fakeFactory struct {
	mu       sync.Mutex
	dials    int
	closes   int
	failures int
}

func (f *fakeFactory) NewConnection(ctx context.Context) (*Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("dial tcp: connection refused")
	}
	return NewConnection(dbcapabilities.SQLite, struct{}{}, nil), nil
}

func (f *fakeFactory) CloseConnection(ctx context.Context, conn *Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeFactory) counts() (dials, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.closes
}

func newTestPool(t *testing.T, factory *fakeFactory, cfg PoolConfig) *Pool {
	t.Helper()
	pool, err := NewPool(dbcapabilities.SQLite, cfg, factory, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool
}

func TestPoolGetAndPut(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MinConnections: 0, MaxConnections: 2, RetryDelay: time.Millisecond})

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)

	pool.Put(conn1)

	// An idle connection is reused instead of dialing again.
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, conn1.ID(), conn2.ID())

	dials, _ := factory.counts()
	assert.Equal(t, 1, dials)
}

func TestPoolExhaustion(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MaxConnections: 2, RetryDelay: time.Millisecond})

	conn1, err := pool.Get(ctx)
	require.NoError(t, err)
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)

	// Third borrow fails immediately instead of queuing.
	_, err = pool.Get(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPoolExhausted))

	var dbErr *DatabaseError
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, 2, dbErr.Context["total_connections"])
	assert.Equal(t, 2, dbErr.Context["max_connections"])

	// Returning one frees a slot.
	pool.Put(conn1)
	conn3, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, conn1.ID(), conn3.ID())

	pool.Put(conn2)
	pool.Put(conn3)
}

func TestPoolWarmUp(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MinConnections: 3, MaxConnections: 5, RetryDelay: time.Millisecond})

	require.NoError(t, pool.WarmUp(ctx))

	status := pool.Status()
	assert.Equal(t, 3, status.TotalConnections)
	assert.Equal(t, 0, status.ActiveConnections)
	assert.Equal(t, 3, status.IdleConnections)
}

func TestPoolRetry(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{failures: 2}
	pool := newTestPool(t, factory, PoolConfig{
		MaxConnections: 1,
		RetryAttempts:  3,
		RetryDelay:     time.Millisecond,
	})

	conn, err := pool.Get(ctx)
	require.NoError(t, err)
	pool.Put(conn)

	dials, _ := factory.counts()
	assert.Equal(t, 3, dials)
}

func TestPoolRetryExhausted(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{failures: 10}
	pool := newTestPool(t, factory, PoolConfig{
		MaxConnections: 1,
		RetryAttempts:  2,
		RetryDelay:     time.Millisecond,
	})

	_, err := pool.Get(ctx)
	require.Error(t, err)

	dials, _ := factory.counts()
	assert.Equal(t, 3, dials) // initial attempt plus two retries
}

func TestPoolCleanupIdle(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MaxConnections: 3, RetryDelay: time.Millisecond})

	idle, err := pool.Get(ctx)
	require.NoError(t, err)
	inTx, err := pool.Get(ctx)
	require.NoError(t, err)

	inTx.EnterTransaction()
	pool.Put(idle)
	pool.Put(inTx)

	time.Sleep(5 * time.Millisecond)

	// Only the idle connection without a transaction is evicted.
	evicted := pool.CleanupIdle(ctx, time.Millisecond)
	assert.Equal(t, 1, evicted)

	status := pool.Status()
	assert.Equal(t, 1, status.TotalConnections)
	assert.False(t, idle.IsActive())
	assert.True(t, inTx.IsActive())
}

func TestPoolDiscard(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MaxConnections: 1, RetryDelay: time.Millisecond})

	conn, err := pool.Get(ctx)
	require.NoError(t, err)

	pool.Discard(ctx, conn)
	assert.False(t, conn.IsActive())

	// The slot is free again.
	conn2, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, conn.ID(), conn2.ID())
	pool.Put(conn2)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MinConnections: 2, MaxConnections: 4, RetryDelay: time.Millisecond})
	require.NoError(t, pool.WarmUp(ctx))

	pool.Close(ctx)
	pool.Close(ctx) // idempotent

	_, closes := factory.counts()
	assert.Equal(t, 2, closes)

	_, err := pool.Get(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestPoolConcurrentBound(t *testing.T) {
	ctx := context.Background()
	factory := &fakeFactory{}
	pool := newTestPool(t, factory, PoolConfig{MaxConnections: 4, RetryDelay: time.Millisecond})

	var wg sync.WaitGroup
	var mu sync.Mutex
	var borrowed []*Connection
	exhausted := 0

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Get(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				exhausted++
				return
			}
			borrowed = append(borrowed, conn)
		}()
	}
	wg.Wait()

	// The bound holds under concurrency.
	assert.Len(t, borrowed, 4)
	assert.Equal(t, 28, exhausted)
	assert.Equal(t, 4, pool.Status().TotalConnections)

	for _, conn := range borrowed {
		pool.Put(conn)
	}
}
