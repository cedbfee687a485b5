package adapter

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// savepointName restricts savepoint identifiers to what every SQL
// engine accepts unquoted.
var savepointName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TransactionContext is the scoped state machine layered on top of a
// borrowed connection. It mediates begin/commit/rollback/savepoint
// calls through the owning adapter's transaction primitives.
//
// The context moves from active to exactly one of committed or rolled
// back; after that every operation fails with a TransactionError.
type TransactionContext struct {
	id      string
	engine  dbcapabilities.DatabaseID
	ops     TransactionOperator
	conn    *Connection
	opts    TxOptions
	started time.Time

	mu         sync.Mutex
	committed  bool
	rolledBack bool
	savepoints []string
	spSeq      int
}

// Begin opens a transaction on the borrowed connection and returns the
// context tracking it. The connection's transaction depth is
// incremented once the engine confirms the begin.
func Begin(ctx context.Context, engine dbcapabilities.DatabaseID, ops TransactionOperator, conn *Connection, opts TxOptions) (*TransactionContext, error) {
	txID := uuid.NewString()

	if err := ops.BeginTransaction(ctx, conn, opts); err != nil {
		return nil, NewTransactionError(engine, txID, "begin", err)
	}
	conn.EnterTransaction()

	return &TransactionContext{
		id:      txID,
		engine:  engine,
		ops:     ops,
		conn:    conn,
		opts:    opts,
		started: time.Now(),
	}, nil
}

// ID returns the transaction identifier.
func (t *TransactionContext) ID() string { return t.id }

// Connection returns the borrowed connection. The context does not own
// it; the caller that borrowed it releases it.
func (t *TransactionContext) Connection() *Connection { return t.conn }

// Options returns the options the transaction was started with.
func (t *TransactionContext) Options() TxOptions { return t.opts }

// StartedAt returns the transaction start time.
func (t *TransactionContext) StartedAt() time.Time { return t.started }

// Committed reports whether the transaction was committed.
func (t *TransactionContext) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether the transaction was rolled back.
func (t *TransactionContext) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// Active reports whether the transaction can still accept operations.
func (t *TransactionContext) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.committed && !t.rolledBack
}

// Savepoints returns the current savepoint stack, oldest first.
func (t *TransactionContext) Savepoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.savepoints))
	copy(out, t.savepoints)
	return out
}

func (t *TransactionContext) terminalErr(operation string) error {
	return NewTransactionError(t.engine, t.id, operation, ErrTransactionClosed)
}

// Commit commits the transaction. Committing a resolved context fails
// with a TransactionError; a failed engine commit leaves the context
// active so the caller can still roll back.
func (t *TransactionContext) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed || t.rolledBack {
		return t.terminalErr("commit")
	}

	if err := t.ops.CommitTransaction(ctx, t.conn); err != nil {
		return NewTransactionError(t.engine, t.id, "commit", err)
	}

	t.committed = true
	t.savepoints = nil
	return t.conn.ExitTransaction()
}

// Rollback rolls the transaction back. Rolling back a resolved context
// fails with a TransactionError.
func (t *TransactionContext) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed || t.rolledBack {
		return t.terminalErr("rollback")
	}

	if err := t.ops.RollbackTransaction(ctx, t.conn); err != nil {
		return NewTransactionError(t.engine, t.id, "rollback", err)
	}

	t.rolledBack = true
	t.savepoints = nil
	return t.conn.ExitTransaction()
}

// Savepoint creates a named savepoint and pushes it onto the stack once
// the engine confirms creation. An empty name is auto-assigned as
// "sp_<n>". Returns the effective name.
func (t *TransactionContext) Savepoint(ctx context.Context, name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed || t.rolledBack {
		return "", t.terminalErr("savepoint")
	}

	if name == "" {
		t.spSeq++
		name = fmt.Sprintf("sp_%d", t.spSeq)
	}
	if !savepointName.MatchString(name) {
		return "", NewTransactionError(t.engine, t.id, "savepoint",
			fmt.Errorf("%w: invalid savepoint name %q", ErrInvalidQuery, name))
	}

	if err := t.ops.CreateSavepoint(ctx, t.conn, name); err != nil {
		return "", NewTransactionError(t.engine, t.id, "savepoint", err)
	}

	t.savepoints = append(t.savepoints, name)
	return name, nil
}

// RollbackToSavepoint rolls back to the named savepoint. The stack is
// truncated to and including that entry: every savepoint created after
// it is invalidated, while the target itself stays valid for reuse.
func (t *TransactionContext) RollbackToSavepoint(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.committed || t.rolledBack {
		return t.terminalErr("rollback_to_savepoint")
	}

	idx := -1
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i] == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return NewTransactionError(t.engine, t.id, "rollback_to_savepoint",
			fmt.Errorf("%w: %q", ErrSavepointNotFound, name))
	}

	if err := t.ops.RollbackToSavepoint(ctx, t.conn, name); err != nil {
		return NewTransactionError(t.engine, t.id, "rollback_to_savepoint", err)
	}

	t.savepoints = t.savepoints[:idx+1]
	return nil
}
