package adapter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// Connection represents one live backend session. It owns a native
// driver handle and tracks age, idle time, usage counters, and
// transaction depth. While pooled it is owned exclusively by the
// adapter's pool; a caller borrows it between Get and Put and must not
// share it across concurrent operations.
type Connection struct {
	id      string
	engine  dbcapabilities.DatabaseID
	native  interface{}
	created time.Time

	txDepth    int32
	queryCount int64
	active     int32

	mu       sync.Mutex
	lastUsed time.Time
	metadata map[string]interface{}
}

// NewConnection wraps a native driver handle in a Connection.
func NewConnection(engine dbcapabilities.DatabaseID, native interface{}, metadata map[string]interface{}) *Connection {
	now := time.Now()
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &Connection{
		id:       uuid.NewString(),
		engine:   engine,
		native:   native,
		created:  now,
		lastUsed: now,
		active:   1,
		metadata: metadata,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// Engine returns the engine this connection belongs to.
func (c *Connection) Engine() dbcapabilities.DatabaseID { return c.engine }

// Native returns the underlying driver handle. Type assertion is
// required; only the owning adapter should touch it.
func (c *Connection) Native() interface{} { return c.native }

// CreatedAt returns the connection creation time.
func (c *Connection) CreatedAt() time.Time { return c.created }

// Age returns how long the connection has existed.
func (c *Connection) Age() time.Duration { return time.Since(c.created) }

// LastUsedAt returns the last borrow/return time.
func (c *Connection) LastUsedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IdleTime returns how long the connection has been unused.
func (c *Connection) IdleTime() time.Duration {
	return time.Since(c.LastUsedAt())
}

// MarkUsed records activity on the connection.
func (c *Connection) MarkUsed() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// IsActive reports whether the connection is usable.
func (c *Connection) IsActive() bool {
	return atomic.LoadInt32(&c.active) == 1
}

// MarkClosed marks the connection unusable. Closing the native handle
// is the adapter's job.
func (c *Connection) MarkClosed() {
	atomic.StoreInt32(&c.active, 0)
}

// TransactionDepth returns the number of open transaction scopes.
func (c *Connection) TransactionDepth() int {
	return int(atomic.LoadInt32(&c.txDepth))
}

// InTransaction reports whether the connection has an open transaction.
func (c *Connection) InTransaction() bool {
	return c.TransactionDepth() > 0
}

// EnterTransaction increments the transaction depth.
func (c *Connection) EnterTransaction() {
	atomic.AddInt32(&c.txDepth, 1)
}

// ExitTransaction decrements the transaction depth. Depth never goes
// negative; an unbalanced exit returns ErrTransactionClosed.
func (c *Connection) ExitTransaction() error {
	for {
		depth := atomic.LoadInt32(&c.txDepth)
		if depth <= 0 {
			return NewDatabaseError(c.engine, "transaction.exit", ErrTransactionClosed).
				WithContext("connection_id", c.id)
		}
		if atomic.CompareAndSwapInt32(&c.txDepth, depth, depth-1) {
			return nil
		}
	}
}

// QueryCount returns the number of statements executed on this connection.
func (c *Connection) QueryCount() int64 {
	return atomic.LoadInt64(&c.queryCount)
}

// RecordQuery increments the statement counter.
func (c *Connection) RecordQuery() {
	atomic.AddInt64(&c.queryCount, 1)
}

// Metadata returns a copy of the engine-specific connection metadata
// (server version, timezone, charset and similar).
func (c *Connection) Metadata() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata stores an engine-specific metadata entry.
func (c *Connection) SetMetadata(key string, value interface{}) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}
