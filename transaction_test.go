package beancore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statefulTestBean() (*Bean, *testBean) {
	inst := &testBean{}
	h := &Home{name: "cart", cfg: HomeConfig{Kind: KindStateful}}
	return newBean(h, inst, "k1"), inst
}

func TestLocalTransaction(t *testing.T) {
	ctx := context.Background()
	tm := NewLocalTransactionManager()

	t.Run("Commit Notifies Enlisted Beans", func(t *testing.T) {
		tx, err := tm.Begin(ctx)
		require.NoError(t, err)
		b, inst := statefulTestBean()
		b.tx = tx

		require.NoError(t, tx.Enlist(b))
		require.NoError(t, tx.Enlist(b), "enlisting twice is a no-op")
		require.NoError(t, tx.Commit(ctx))

		assert.Equal(t, []bool{true}, inst.getCompletions())
		assert.Nil(t, b.Transaction())
		assert.Equal(t, TxCommitted, tx.(*LocalTransaction).Status())
		assert.False(t, tx.Active())

		assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionInactive)
		assert.ErrorIs(t, tx.Rollback(ctx), ErrTransactionInactive)
		assert.ErrorIs(t, tx.Enlist(b), ErrTransactionInactive)
		assert.ErrorIs(t, tx.SetRollbackOnly(), ErrTransactionInactive)
	})

	t.Run("Rollback Only Commit", func(t *testing.T) {
		tx, err := tm.Begin(ctx)
		require.NoError(t, err)
		b, inst := statefulTestBean()
		require.NoError(t, tx.Enlist(b))

		require.NoError(t, tx.SetRollbackOnly())
		assert.True(t, tx.RollbackOnly())
		assert.True(t, tx.Active(), "a doomed transaction is still active")

		assert.ErrorIs(t, tx.Commit(ctx), ErrTransactionRolledBack)
		assert.Equal(t, TxRolledBack, tx.(*LocalTransaction).Status())
		assert.Equal(t, []bool{false}, inst.getCompletions())
	})

	t.Run("Status Names", func(t *testing.T) {
		assert.Equal(t, "marked-rollback", TxMarkedRollback.String())
		assert.Equal(t, "rolled-back", TxRolledBack.String())
	})

	assert.Equal(t, 2, tm.Begun())
}

func TestTransactionContext(t *testing.T) {
	ctx := context.Background()
	_, ok := TransactionFromContext(ctx)
	assert.False(t, ok)

	tx, _ := NewLocalTransactionManager().Begin(ctx)
	withTx := ContextWithTransaction(ctx, tx)
	got, ok := TransactionFromContext(withTx)
	require.True(t, ok)
	assert.Equal(t, tx.ID(), got.ID())

	_, ok = TransactionFromContext(ContextWithTransaction(withTx, nil))
	assert.False(t, ok, "a nil transaction suspends the outer one")
}

func TestUserTransaction(t *testing.T) {
	ctx := context.Background()
	ut := &UserTransaction{tm: NewLocalTransactionManager()}

	assert.False(t, ut.Active())
	assert.ErrorIs(t, ut.Commit(ctx), ErrTransactionInactive)
	assert.ErrorIs(t, ut.SetRollbackOnly(), ErrTransactionInactive)

	txCtx, err := ut.Begin(ctx)
	require.NoError(t, err)
	assert.True(t, ut.Active())
	_, err = ut.Begin(txCtx)
	assert.ErrorIs(t, err, ErrIllegalState, "nested user transactions are not supported")

	require.NoError(t, ut.SetRollbackOnly())
	assert.ErrorIs(t, ut.Commit(txCtx), ErrTransactionRolledBack)
	assert.False(t, ut.Active())

	_, err = ut.Begin(ctx)
	require.NoError(t, err, "a new transaction may begin once the previous one completed")
	require.NoError(t, ut.Rollback(ctx))
}
