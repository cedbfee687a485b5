package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// fakeOps records the transaction primitives invoked on it and can be
// made to fail specific operations.
type fakeOps struct {
	calls []string

	beginErr    error
	commitErr   error
	rollbackErr error
	spErr       error
}

func (f *fakeOps) BeginTransaction(ctx context.Context, conn *Connection, opts TxOptions) error {
	f.calls = append(f.calls, "begin")
	return f.beginErr
}

func (f *fakeOps) CommitTransaction(ctx context.Context, conn *Connection) error {
	f.calls = append(f.calls, "commit")
	return f.commitErr
}

func (f *fakeOps) RollbackTransaction(ctx context.Context, conn *Connection) error {
	f.calls = append(f.calls, "rollback")
	return f.rollbackErr
}

func (f *fakeOps) CreateSavepoint(ctx context.Context, conn *Connection, name string) error {
	f.calls = append(f.calls, "savepoint "+name)
	return f.spErr
}

func (f *fakeOps) RollbackToSavepoint(ctx context.Context, conn *Connection, name string) error {
	f.calls = append(f.calls, "rollback_to "+name)
	return f.spErr
}

func beginTestTx(t *testing.T, ops *fakeOps) (*TransactionContext, *Connection) {
	t.Helper()
	conn := NewConnection(dbcapabilities.PostgreSQL, struct{}{}, nil)
	tx, err := Begin(context.Background(), dbcapabilities.PostgreSQL, ops, conn, TxOptions{})
	require.NoError(t, err)
	return tx, conn
}

func TestTransactionCommit(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{}
	tx, conn := beginTestTx(t, ops)

	assert.True(t, tx.Active())
	assert.True(t, conn.InTransaction())

	require.NoError(t, tx.Commit(ctx))
	assert.True(t, tx.Committed())
	assert.False(t, tx.Active())
	assert.False(t, conn.InTransaction())

	// Terminal: no further operations.
	err := tx.Commit(ctx)
	assert.True(t, errors.Is(err, ErrTransactionClosed))
	err = tx.Rollback(ctx)
	assert.True(t, errors.Is(err, ErrTransactionClosed))
	_, err = tx.Savepoint(ctx, "")
	assert.True(t, errors.Is(err, ErrTransactionClosed))

	assert.Equal(t, []string{"begin", "commit"}, ops.calls)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{}
	tx, conn := beginTestTx(t, ops)

	require.NoError(t, tx.Rollback(ctx))
	assert.True(t, tx.RolledBack())
	assert.False(t, conn.InTransaction())

	err := tx.Commit(ctx)
	assert.True(t, errors.Is(err, ErrTransactionClosed))
}

func TestTransactionBeginFailure(t *testing.T) {
	ops := &fakeOps{beginErr: errors.New("deadlock detected")}
	conn := NewConnection(dbcapabilities.PostgreSQL, struct{}{}, nil)

	_, err := Begin(context.Background(), dbcapabilities.PostgreSQL, ops, conn, TxOptions{})
	require.Error(t, err)
	// A failed begin leaves the connection out of any transaction.
	assert.False(t, conn.InTransaction())
}

func TestTransactionFailedCommitStaysActive(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{commitErr: errors.New("server closed the connection")}
	tx, conn := beginTestTx(t, ops)

	err := tx.Commit(ctx)
	require.Error(t, err)
	assert.True(t, tx.Active())
	assert.True(t, conn.InTransaction())

	// The caller can still roll back.
	require.NoError(t, tx.Rollback(ctx))
	assert.True(t, tx.RolledBack())
	assert.False(t, conn.InTransaction())
}

func TestSavepointAutoNaming(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{}
	tx, _ := beginTestTx(t, ops)

	name1, err := tx.Savepoint(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "sp_1", name1)

	name2, err := tx.Savepoint(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "sp_2", name2)

	named, err := tx.Savepoint(ctx, "before_update")
	require.NoError(t, err)
	assert.Equal(t, "before_update", named)

	assert.Equal(t, []string{"sp_1", "sp_2", "before_update"}, tx.Savepoints())
}

func TestSavepointInvalidName(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{}
	tx, _ := beginTestTx(t, ops)

	_, err := tx.Savepoint(ctx, "sp; DROP TABLE users")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidQuery))
	assert.Empty(t, tx.Savepoints())
}

func TestRollbackToSavepointTruncatesStack(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{}
	tx, _ := beginTestTx(t, ops)

	for _, name := range []string{"a", "b", "c"} {
		_, err := tx.Savepoint(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, tx.RollbackToSavepoint(ctx, "b"))

	// Everything after "b" is gone; "b" itself stays valid.
	assert.Equal(t, []string{"a", "b"}, tx.Savepoints())
	require.NoError(t, tx.RollbackToSavepoint(ctx, "b"))

	// "c" was invalidated by the rollback.
	err := tx.RollbackToSavepoint(ctx, "c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSavepointNotFound))
}

func TestSavepointNotPushedOnEngineFailure(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{spErr: errors.New("savepoint rejected")}
	tx, _ := beginTestTx(t, ops)

	_, err := tx.Savepoint(ctx, "sp_a")
	require.Error(t, err)
	assert.Empty(t, tx.Savepoints())
}

func TestCommitClearsSavepoints(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{}
	tx, _ := beginTestTx(t, ops)

	_, err := tx.Savepoint(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, tx.Commit(ctx))
	assert.Empty(t, tx.Savepoints())
}
