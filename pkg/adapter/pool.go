package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
	"github.com/crossdb-io/crossdb/pkg/logger"
)

// Pool manages the live connections of one adapter. All pool-mutating
// operations are serialized by the pool mutex; the native dial itself
// happens outside the lock with the slot reserved, so concurrent
// callers may race to create connections up to MaxConnections but
// never beyond it.
//
// Exhaustion is an immediate failure, not a queue: when every permitted
// connection is in use the caller gets a pool-exhaustion error right
// away. Bounded waiting would have to be added deliberately.
type Pool struct {
	engine  dbcapabilities.DatabaseID
	cfg     PoolConfig
	factory ConnectionFactory
	log     *logger.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	pending int
	closed  bool
}

type poolEntry struct {
	conn  *Connection
	inUse bool
}

// NewPool creates a pool for the given engine. The factory is the
// engine adapter itself.
func NewPool(engine dbcapabilities.DatabaseID, cfg PoolConfig, factory ConnectionFactory, log *logger.Logger) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(engine); err != nil {
		return nil, err
	}
	return &Pool{
		engine:  engine,
		cfg:     cfg,
		factory: factory,
		log:     log,
		entries: make(map[string]*poolEntry),
	}, nil
}

// Config returns the effective pool configuration.
func (p *Pool) Config() PoolConfig { return p.cfg }

func (p *Pool) safeLog(level, format string, args ...interface{}) {
	if p.log == nil {
		return
	}
	switch level {
	case "debug":
		p.log.Debug(format, args...)
	case "info":
		p.log.Info(format, args...)
	case "warn":
		p.log.Warn(format, args...)
	case "error":
		p.log.Error(format, args...)
	}
}

// Get borrows a connection. An existing idle connection with no open
// transaction is reused; otherwise a new one is created while the pool
// is below MaxConnections; otherwise Get fails with a pool-exhaustion
// error carrying the pool size and limits.
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, NewDatabaseError(p.engine, "pool.get", ErrConnectionClosed)
	}

	// Reuse: evict expired idle connections in passing.
	var expired []*Connection
	for id, entry := range p.entries {
		if entry.inUse || entry.conn.InTransaction() {
			continue
		}
		if !entry.conn.IsActive() || p.lifetimeExceeded(entry.conn) {
			delete(p.entries, id)
			expired = append(expired, entry.conn)
			continue
		}
		entry.inUse = true
		entry.conn.MarkUsed()
		p.mu.Unlock()
		p.closeAll(ctx, expired)
		return entry.conn, nil
	}

	// Create: reserve the slot before dialing so the bound holds under
	// concurrent Gets.
	if len(p.entries)+p.pending >= p.cfg.MaxConnections {
		total := len(p.entries)
		p.mu.Unlock()
		p.closeAll(ctx, expired)
		return nil, NewDatabaseError(p.engine, "pool.get", ErrPoolExhausted).
			WithContext("total_connections", total).
			WithContext("max_connections", p.cfg.MaxConnections)
	}
	p.pending++
	p.mu.Unlock()
	p.closeAll(ctx, expired)

	conn, err := p.createConnection(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		p.closeOne(ctx, conn)
		return nil, NewDatabaseError(p.engine, "pool.get", ErrConnectionClosed)
	}
	p.entries[conn.ID()] = &poolEntry{conn: conn, inUse: true}
	p.mu.Unlock()

	return conn, nil
}

// Put returns a borrowed connection to the free set. A connection that
// still has an open transaction is kept out of rotation and flagged;
// the caller leaked a transaction and the pool will not roll it back.
func (p *Pool) Put(conn *Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	entry, ok := p.entries[conn.ID()]
	if !ok {
		p.mu.Unlock()
		p.safeLog("warn", "connection %s returned to pool that does not own it", conn.ID())
		return
	}
	entry.inUse = false
	conn.MarkUsed()
	leaked := conn.InTransaction()
	p.mu.Unlock()

	if leaked {
		p.safeLog("warn", "connection %s returned with an open transaction (depth %d)", conn.ID(), conn.TransactionDepth())
	}
}

// Discard removes a connection from the pool and closes it. Used when a
// caller abandoned an operation mid-flight and the session state is
// unknown; such a connection must not be reused.
func (p *Pool) Discard(ctx context.Context, conn *Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	delete(p.entries, conn.ID())
	p.mu.Unlock()

	p.closeOne(ctx, conn)
}

// CleanupIdle evicts and closes every idle, non-transactional
// connection whose idle time exceeds maxIdle. Returns the number of
// connections evicted. Connections with open transactions are never
// evicted regardless of idle time.
func (p *Pool) CleanupIdle(ctx context.Context, maxIdle time.Duration) int {
	p.mu.Lock()
	var victims []*Connection
	for id, entry := range p.entries {
		if entry.inUse || entry.conn.InTransaction() {
			continue
		}
		if entry.conn.IdleTime() > maxIdle || p.lifetimeExceeded(entry.conn) {
			delete(p.entries, id)
			victims = append(victims, entry.conn)
		}
	}
	p.mu.Unlock()

	p.closeAll(ctx, victims)
	if len(victims) > 0 {
		p.safeLog("debug", "evicted %d idle %s connections", len(victims), p.engine)
	}
	return len(victims)
}

// WarmUp creates connections until the pool holds MinConnections.
func (p *Pool) WarmUp(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || len(p.entries)+p.pending >= p.cfg.MinConnections {
			p.mu.Unlock()
			return nil
		}
		p.pending++
		p.mu.Unlock()

		conn, err := p.createConnection(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return err
		}
		if p.closed {
			p.mu.Unlock()
			p.closeOne(ctx, conn)
			return nil
		}
		p.entries[conn.ID()] = &poolEntry{conn: conn}
		p.mu.Unlock()
	}
}

// Status returns the pool introspection document.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := 0
	for _, entry := range p.entries {
		if entry.inUse {
			active++
		}
	}

	return PoolStatus{
		TotalConnections:  len(p.entries),
		ActiveConnections: active,
		IdleConnections:   len(p.entries) - active,
		MinConnections:    p.cfg.MinConnections,
		MaxConnections:    p.cfg.MaxConnections,
		PoolUtilization:   float64(active) / float64(p.cfg.MaxConnections),
	}
}

// Close drains the pool, closing every connection best-effort. Safe to
// call more than once.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var conns []*Connection
	for _, entry := range p.entries {
		conns = append(conns, entry.conn)
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	p.closeAll(ctx, conns)
}

func (p *Pool) lifetimeExceeded(conn *Connection) bool {
	return p.cfg.MaxLifetime > 0 && conn.Age() > p.cfg.MaxLifetime
}

// createConnection dials through the factory, retrying transient
// failures per the pool configuration.
func (p *Pool) createConnection(ctx context.Context) (*Connection, error) {
	var lastErr error
	attempts := p.cfg.RetryAttempts + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, NewDatabaseError(p.engine, "pool.create", ctx.Err())
			case <-time.After(p.cfg.RetryDelay):
			}
		}

		dialCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.ConnectTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		}
		conn, err := p.factory.NewConnection(dialCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		p.safeLog("warn", "creating %s connection failed (attempt %d/%d): %v", p.engine, attempt+1, attempts, err)
	}

	return nil, WrapError(p.engine, "pool.create", lastErr)
}

func (p *Pool) closeAll(ctx context.Context, conns []*Connection) {
	for _, conn := range conns {
		p.closeOne(ctx, conn)
	}
}

func (p *Pool) closeOne(ctx context.Context, conn *Connection) {
	conn.MarkClosed()
	if err := p.factory.CloseConnection(ctx, conn); err != nil {
		p.safeLog("warn", "closing %s connection %s: %v", p.engine, conn.ID(), err)
	}
}
