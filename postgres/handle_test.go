package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgext/pkg/apperror"
)

// fakeTx records the outcome of a transaction. Only the methods the manager
// touches are implemented; anything else panics via the embedded nil Tx.
type fakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	committed  bool
	rolledBack bool
	commitErr  error
	execErr    error
	execSQL    []string
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolledBack = true
	return nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execSQL = append(t.execSQL, sql)
	return pgconn.CommandTag{}, t.execErr
}

func (t *fakeTx) outcome() (committed, rolledBack bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed, t.rolledBack
}

func (t *fakeTx) execs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.execSQL...)
}

// fakeDB hands out fakeTx transactions.
type fakeDB struct {
	mu        sync.Mutex
	begun     []*fakeTx
	beginOpts []pgx.TxOptions
	beginErr  error
	commitErr error
	execErr   error
}

func (d *fakeDB) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	tx := &fakeTx{commitErr: d.commitErr, execErr: d.execErr}
	d.begun = append(d.begun, tx)
	d.beginOpts = append(d.beginOpts, opts)
	return tx, nil
}

func (d *fakeDB) lastBeginOpts() pgx.TxOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.beginOpts[len(d.beginOpts)-1]
}

func (d *fakeDB) beginCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.begun)
}

func (d *fakeDB) lastTx() *fakeTx {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.begun) == 0 {
		return nil
	}
	return d.begun[len(d.begun)-1]
}

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return emptyRows{}, nil
}

func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return scanRow{}
}

// noTimeoutOpts skips the statement_timeout setup statement, which the fake
// transaction does not implement.
func noTimeoutOpts() TxOptions {
	opts := DefaultTxOptions()
	opts.StatementTimeout = 0
	return opts
}

func TestHandle_BeginCommit(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	ctx := context.Background()

	h, err := m.BeginWithOptions(ctx, noTimeoutOpts())
	require.NoError(t, err)

	require.NoError(t, h.Commit(ctx))

	committed, rolledBack := db.lastTx().outcome()
	assert.True(t, committed)
	assert.False(t, rolledBack)
}

func TestHandle_BeginRollback(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	ctx := context.Background()

	h, err := m.BeginWithOptions(ctx, noTimeoutOpts())
	require.NoError(t, err)

	err = h.Rollback(ctx)
	require.NoError(t, err, "a requested rollback is not a failure")
	assert.False(t, errors.Is(err, errDeliberateRollback), "the abort marker must never surface")

	committed, rolledBack := db.lastTx().outcome()
	assert.False(t, committed)
	assert.True(t, rolledBack)
}

func TestHandle_DecisionIsSingleShot(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	ctx := context.Background()

	h, err := m.BeginWithOptions(ctx, noTimeoutOpts())
	require.NoError(t, err)
	require.NoError(t, h.Commit(ctx))

	assert.ErrorIs(t, h.Commit(ctx), pgx.ErrTxClosed)
	assert.ErrorIs(t, h.Rollback(ctx), pgx.ErrTxClosed)

	committed, rolledBack := db.lastTx().outcome()
	assert.True(t, committed)
	assert.False(t, rolledBack, "a rejected second decision must not touch the transaction")
}

func TestHandle_BeginFailurePropagates(t *testing.T) {
	boom := errors.New("no connections left")
	m := NewTxManagerFromDB(&fakeDB{beginErr: boom})

	h, err := m.BeginWithOptions(context.Background(), noTimeoutOpts())
	assert.Nil(t, h)
	assert.ErrorIs(t, err, boom)
}

func TestHandle_CommitFailurePropagates(t *testing.T) {
	boom := errors.New("connection lost during commit")
	db := &fakeDB{commitErr: boom}
	m := NewTxManagerFromDB(db)
	ctx := context.Background()

	h, err := m.BeginWithOptions(ctx, noTimeoutOpts())
	require.NoError(t, err)

	assert.ErrorIs(t, h.Commit(ctx), boom)
}

func TestHandle_BeginUnsupported(t *testing.T) {
	m := NewQuerierOnlyTxManager(&recordingQuerier{})

	h, err := m.Begin(context.Background())
	assert.Nil(t, h)
	assert.True(t, apperror.IsUnsupported(err))

	err = m.RunInTransaction(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, apperror.IsUnsupported(err))
}

func TestHandle_ContextRoutesToTransaction(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	ctx := context.Background()

	h, err := m.BeginWithOptions(ctx, noTimeoutOpts())
	require.NoError(t, err)
	defer h.Rollback(ctx) //nolint:errcheck

	tx := db.lastTx()
	assert.Same(t, tx, h.Querier(), "handle querier must be the live transaction")
	assert.Same(t, tx, m.GetQuerier(h.Context()), "model operations must route to the transaction")
	assert.NotNil(t, m.GetTx(h.Context()))
}

func TestHandle_WaitBlocksUntilDecision(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	ctx := context.Background()

	h, err := m.BeginWithOptions(ctx, noTimeoutOpts())
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(waitCtx), context.DeadlineExceeded)

	require.NoError(t, h.Commit(ctx))
	assert.NoError(t, h.Wait(ctx))
}

func TestRunInTransaction_ErrorRollsBack(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	boom := errors.New("constraint violated")

	err := m.RunInTransactionWithOptions(context.Background(), noTimeoutOpts(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	committed, rolledBack := db.lastTx().outcome()
	assert.False(t, committed)
	assert.True(t, rolledBack)
}

func TestRunInTransaction_NestedReusesTransaction(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)

	err := m.RunInTransactionWithOptions(context.Background(), noTimeoutOpts(), func(ctx context.Context) error {
		return m.RunInTransactionWithOptions(ctx, noTimeoutOpts(), func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, db.beginCount(), "nested call must reuse the outer transaction")
}

func TestRunInTransaction_SetsStatementTimeout(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)

	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	execs := db.lastTx().execs()
	require.NotEmpty(t, execs)
	assert.Equal(t, "SET LOCAL statement_timeout = '30000ms'", execs[0])
}

func TestRunInTransaction_StatementTimeoutFailureRollsBack(t *testing.T) {
	boom := errors.New("parameter rejected")
	db := &fakeDB{execErr: boom}
	m := NewTxManagerFromDB(db)

	ran := false
	err := m.RunInTransaction(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran, "callback must not run when setup fails")

	committed, rolledBack := db.lastTx().outcome()
	assert.False(t, committed)
	assert.True(t, rolledBack)
}

func TestRunInTransaction_SavepointReleasedOnSuccess(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	inner := noTimeoutOpts()
	inner.UseSavepoint = true

	err := m.RunInTransactionWithOptions(context.Background(), noTimeoutOpts(), func(ctx context.Context) error {
		return m.RunInTransactionWithOptions(ctx, inner, func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 1, db.beginCount(), "a savepoint must not open a second transaction")

	execs := db.lastTx().execs()
	require.Len(t, execs, 2)
	assert.True(t, strings.HasPrefix(execs[0], "SAVEPOINT sp_"), execs[0])
	assert.True(t, strings.HasPrefix(execs[1], "RELEASE SAVEPOINT sp_"), execs[1])
}

func TestRunInTransaction_SavepointRolledBackOnError(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)
	inner := noTimeoutOpts()
	inner.UseSavepoint = true
	boom := errors.New("inner step failed")

	err := m.RunInTransactionWithOptions(context.Background(), noTimeoutOpts(), func(ctx context.Context) error {
		innerErr := m.RunInTransactionWithOptions(ctx, inner, func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, innerErr, boom)
		return nil
	})
	require.NoError(t, err)

	execs := db.lastTx().execs()
	require.Len(t, execs, 2)
	assert.True(t, strings.HasPrefix(execs[0], "SAVEPOINT sp_"), execs[0])
	assert.True(t, strings.HasPrefix(execs[1], "ROLLBACK TO SAVEPOINT sp_"), execs[1])

	committed, rolledBack := db.lastTx().outcome()
	assert.True(t, committed, "a reverted savepoint must not abort the outer transaction")
	assert.False(t, rolledBack)
}

func TestReadOnly_BeginsReadOnlyTransaction(t *testing.T) {
	db := &fakeDB{}
	m := NewTxManagerFromDB(db)

	err := m.ReadOnly(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, 1, db.beginCount())
	assert.Equal(t, pgx.ReadOnly, db.lastBeginOpts().AccessMode)
}
