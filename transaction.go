package beancore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TransactionManager begins transactions on behalf of the dispatch
// protocol. Begin may block on an external coordinator; dispatch waits for
// it synchronously.
type TransactionManager interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction is the view of one transaction the core needs: enlistment,
// the rollback-only directive, status, and completion.
type Transaction interface {
	ID() string

	// Enlist associates a bean with the transaction so it is notified on
	// completion. Enlisting the same bean twice is a no-op.
	Enlist(b *Bean) error

	SetRollbackOnly() error
	RollbackOnly() bool

	// Active reports whether the transaction has not completed yet.
	Active() bool

	// Commit completes the transaction. A rollback-only transaction is
	// rolled back instead and Commit returns an error matching
	// ErrTransactionRolledBack.
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type txKey struct{}

// ContextWithTransaction returns a context whose associated transaction is
// tx. Passing a nil tx suspends any transaction carried by ctx.
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, txHolder{tx})
}

// txHolder lets a nil Transaction shadow an outer one.
type txHolder struct{ tx Transaction }

// TransactionFromContext returns the transaction associated with ctx.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	h, ok := ctx.Value(txKey{}).(txHolder)
	if !ok || h.tx == nil {
		return nil, false
	}
	return h.tx, true
}

// SetRollbackOnly dooms the transaction of the container-managed call ctx
// belongs to. Bean-managed homes must use their UserTransaction instead.
func SetRollbackOnly(ctx context.Context) error {
	inv, ok := InvocationFromContext(ctx)
	if !ok {
		return ErrNotInInvocation
	}
	if inv.home.cfg.TxManagement == BeanManaged {
		return ErrContainerManaged
	}
	if inv.tx == nil {
		return ErrNoTransaction
	}
	if err := inv.tx.SetRollbackOnly(); err != nil {
		return err
	}
	inv.markedRollback = true
	return nil
}

// RollbackOnly reports whether the transaction of the container-managed
// call ctx belongs to is doomed.
func RollbackOnly(ctx context.Context) (bool, error) {
	inv, ok := InvocationFromContext(ctx)
	if !ok {
		return false, ErrNotInInvocation
	}
	if inv.home.cfg.TxManagement == BeanManaged {
		return false, ErrContainerManaged
	}
	if inv.tx == nil {
		return false, ErrNoTransaction
	}
	return inv.tx.RollbackOnly(), nil
}

// UserTransaction lets a bean-managed business method demarcate its own
// transaction. One UserTransaction exists per invocation; it must not be
// used after the method returns.
type UserTransaction struct {
	tm TransactionManager
	tx Transaction
}

type userTxKey struct{}

// UserTransactionFromContext returns the UserTransaction of the
// bean-managed call ctx belongs to.
func UserTransactionFromContext(ctx context.Context) (*UserTransaction, error) {
	ut, ok := ctx.Value(userTxKey{}).(*UserTransaction)
	if !ok || ut == nil {
		if _, in := InvocationFromContext(ctx); in {
			return nil, ErrBeanManagedOnly
		}
		return nil, ErrNotInInvocation
	}
	return ut, nil
}

// Begin starts a transaction and returns a context carrying it. Nested
// transactions are not supported.
func (u *UserTransaction) Begin(ctx context.Context) (context.Context, error) {
	if u.tx != nil && u.tx.Active() {
		return ctx, fmt.Errorf("%w: transaction %s already active", ErrIllegalState, u.tx.ID())
	}
	tx, err := u.tm.Begin(ctx)
	if err != nil {
		return ctx, fmt.Errorf("begin user transaction: %w", err)
	}
	u.tx = tx
	return ContextWithTransaction(ctx, tx), nil
}

func (u *UserTransaction) current() (Transaction, error) {
	if u.tx == nil || !u.tx.Active() {
		return nil, ErrTransactionInactive
	}
	return u.tx, nil
}

func (u *UserTransaction) Commit(ctx context.Context) error {
	tx, err := u.current()
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (u *UserTransaction) Rollback(ctx context.Context) error {
	tx, err := u.current()
	if err != nil {
		return err
	}
	return tx.Rollback(ctx)
}

func (u *UserTransaction) SetRollbackOnly() error {
	tx, err := u.current()
	if err != nil {
		return err
	}
	return tx.SetRollbackOnly()
}

// Active reports whether the transaction begun through u is still open.
func (u *UserTransaction) Active() bool { return u.tx != nil && u.tx.Active() }

// TxStatus is the status of a LocalTransaction.
type TxStatus uint8

const (
	TxActive TxStatus = iota
	TxMarkedRollback
	TxCommitted
	TxRolledBack
)

var txStatusNames = [...]string{
	TxActive:         "active",
	TxMarkedRollback: "marked-rollback",
	TxCommitted:      "committed",
	TxRolledBack:     "rolled-back",
}

func (s TxStatus) String() string { return txStatusNames[s] }

// LocalTransactionManager is an in-process TransactionManager. It has no
// resources to coordinate; completion only notifies enlisted beans.
type LocalTransactionManager struct {
	mu    sync.Mutex
	begun int
}

// NewLocalTransactionManager returns an empty manager.
func NewLocalTransactionManager() *LocalTransactionManager {
	return &LocalTransactionManager{}
}

func (m *LocalTransactionManager) Begin(context.Context) (Transaction, error) {
	m.mu.Lock()
	m.begun++
	m.mu.Unlock()
	return &LocalTransaction{id: uuid.NewString()}, nil
}

// Begun returns how many transactions the manager started.
func (m *LocalTransactionManager) Begun() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begun
}

// LocalTransaction is the Transaction produced by LocalTransactionManager.
type LocalTransaction struct {
	id string

	mu       sync.Mutex
	status   TxStatus
	enlisted []*Bean
}

func (t *LocalTransaction) ID() string { return t.id }

// Status returns the current status.
func (t *LocalTransaction) Status() TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *LocalTransaction) Enlist(b *Bean) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status >= TxCommitted {
		return ErrTransactionInactive
	}
	for _, e := range t.enlisted {
		if e == b {
			return nil
		}
	}
	t.enlisted = append(t.enlisted, b)
	return nil
}

func (t *LocalTransaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status >= TxCommitted {
		return ErrTransactionInactive
	}
	t.status = TxMarkedRollback
	return nil
}

func (t *LocalTransaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == TxMarkedRollback
}

func (t *LocalTransaction) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status < TxCommitted
}

func (t *LocalTransaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	switch t.status {
	case TxCommitted, TxRolledBack:
		t.mu.Unlock()
		return ErrTransactionInactive
	case TxMarkedRollback:
		t.mu.Unlock()
		if err := t.Rollback(ctx); err != nil {
			return err
		}
		return fmt.Errorf("commit %s: %w", t.id, ErrTransactionRolledBack)
	}
	t.status = TxCommitted
	enlisted := t.enlisted
	t.enlisted = nil
	t.mu.Unlock()

	for _, b := range enlisted {
		b.AfterCompletion(true)
	}
	return nil
}

func (t *LocalTransaction) Rollback(context.Context) error {
	t.mu.Lock()
	if t.status >= TxCommitted {
		t.mu.Unlock()
		return ErrTransactionInactive
	}
	t.status = TxRolledBack
	enlisted := t.enlisted
	t.enlisted = nil
	t.mu.Unlock()

	for _, b := range enlisted {
		b.AfterCompletion(false)
	}
	return nil
}
