package txn

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// --- Mock implementations ---

type txKey struct{}

type mockTx struct {
	commits   int
	rollbacks int
	commitErr error
}

func (m *mockTx) Commit(context.Context) error {
	m.commits++
	return m.commitErr
}

func (m *mockTx) Rollback(context.Context) error {
	m.rollbacks++
	return nil
}

type mockBeginner struct {
	tx       *mockTx
	beginErr error
}

func (m *mockBeginner) Begin(ctx context.Context) (context.Context, Tx, error) {
	if m.beginErr != nil {
		return nil, nil, m.beginErr
	}
	return context.WithValue(ctx, txKey{}, m.tx), m.tx, nil
}

var errSerialization = errors.New("40001")

func classify(err error) error {
	if errors.Is(err, errSerialization) {
		return failure.Conflict(err, "serialization")
	}
	return nil
}

// --- Tests ---

func TestRunInTx_Commits(t *testing.T) {
	tx := &mockTx{}
	c := NewCoordinator(&mockBeginner{tx: tx})

	var sawTx bool
	err := c.RunInTx(context.Background(), func(ctx context.Context) error {
		sawTx = ctx.Value(txKey{}) == tx
		return nil
	})

	require.NoError(t, err)
	assert.True(t, sawTx)
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 0, tx.rollbacks)
}

func TestRunInTx_BusinessErrorRollsBackUnchanged(t *testing.T) {
	tx := &mockTx{}
	c := NewCoordinator(&mockBeginner{tx: tx})

	err := c.RunInTx(context.Background(), func(context.Context) error {
		return failure.ErrInsufficientStock
	})

	require.ErrorIs(t, err, failure.ErrInsufficientStock)
	assert.NotErrorIs(t, err, failure.ErrPersistence)
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestRunInTx_UnexpectedErrorBecomesPersistence(t *testing.T) {
	tx := &mockTx{}
	c := NewCoordinator(&mockBeginner{tx: tx})
	cause := errors.New("connection reset by peer")

	err := c.RunInTx(context.Background(), func(context.Context) error {
		return cause
	})

	require.ErrorIs(t, err, failure.ErrPersistence)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestRunInTx_PanicRollsBack(t *testing.T) {
	tx := &mockTx{}
	c := NewCoordinator(&mockBeginner{tx: tx})

	err := c.RunInTx(context.Background(), func(context.Context) error {
		panic("nil map write")
	})

	require.ErrorIs(t, err, failure.ErrPersistence)
	assert.Contains(t, err.Error(), "nil map write")
	assert.Equal(t, 1, tx.rollbacks)
	assert.Equal(t, 0, tx.commits)
}

func TestRunInTx_CommitConflict(t *testing.T) {
	tx := &mockTx{commitErr: errSerialization}
	c := NewCoordinator(&mockBeginner{tx: tx}, WithClassifier(classify))

	err := c.RunInTx(context.Background(), func(context.Context) error { return nil })

	require.ErrorIs(t, err, failure.ErrConflict)
	assert.Equal(t, 1, tx.commits)
	// Commit already finished the transaction; rollback is a no-op.
	assert.Equal(t, 0, tx.rollbacks)
}

func TestRunInTx_BeginFailure(t *testing.T) {
	c := NewCoordinator(&mockBeginner{beginErr: errors.New("pool closed")})

	called := false
	err := c.RunInTx(context.Background(), func(context.Context) error {
		called = true
		return nil
	})

	require.ErrorIs(t, err, failure.ErrPersistence)
	assert.False(t, called)
}

func TestTransaction_RollbackIdempotent(t *testing.T) {
	tx := &mockTx{}
	c := NewCoordinator(&mockBeginner{tx: tx})

	tr, err := c.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.Rollback(context.Background()))
	require.NoError(t, tr.Rollback(context.Background()))
	assert.Equal(t, 1, tx.rollbacks)

	require.ErrorIs(t, tr.Commit(context.Background()), ErrDone)
	assert.Equal(t, 0, tx.commits)
}

func TestTransaction_RollbackAfterCommit(t *testing.T) {
	tx := &mockTx{}
	c := NewCoordinator(&mockBeginner{tx: tx})

	tr, err := c.Begin(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr.Commit(context.Background()))
	require.NoError(t, tr.Rollback(context.Background()))
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 0, tx.rollbacks)
}
