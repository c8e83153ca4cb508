// dispatch.go
//
// The bracketing protocol around every business call.
//
// PreInvoke resolves the handle, takes an Invocation record from the call
// chain's MethodInfoStack, associates the call with a transaction according
// to the method's attribute, activates an instance and moves it into
// StateInMethod. PostInvoke records and classifies the outcome, applies the
// rollback directive, completes any transaction the call began, returns or
// discards the instance and recycles the record.
//
// A call chain is the sequence of nested calls made from business methods
// through the context they were handed. The chain's stack and the calling
// invocation travel in that context, which is how nested calls find their
// records and how reentrancy is recognized.

package beancore

import (
	"context"
	"errors"
	"fmt"
)

// PreInvoke prepares a call of method on the instance named by h.
//
// On success the caller must run the business method on inv.Instance()
// with inv.Context() and then call PostInvoke exactly once, on every path.
// On failure no business code may run and PostInvoke must not be called;
// everything PreInvoke did has been undone.
func (c *Container) PreInvoke(ctx context.Context, h Handle, method MethodID) (*Invocation, error) {
	if c.closed.Load() {
		return nil, ErrContainerClosed
	}
	home, err := h.resolve()
	if err != nil {
		return nil, err
	}
	if home.container != c {
		return nil, activationError(h.Identity(), fmt.Errorf("%w: handle belongs to another container", ErrNoSuchHome))
	}
	mi, err := home.metadata.MethodInfo(method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", home.name, err)
	}

	parent, _ := InvocationFromContext(ctx)
	stack := stackFromContext(ctx)
	owns := stack == nil
	if owns {
		stack = c.stacks.get()
	}

	inv := stack.Get()
	inv.container = c
	inv.home = home
	inv.method = mi
	inv.identity = h.Identity()
	inv.view = h.View()
	inv.parent = parent
	inv.ownsStack = owns
	inv.start = c.clock()

	if err := c.preInvoke(ctx, stack, inv); err != nil {
		c.unwind(inv)
		c.metrics.invocation(home.name, outcomeRejected, c.clock().Sub(inv.start))
		home.log.V(logDebug).Info("Call rejected", "identity", inv.identity, "method", mi.ID, "error", err.Error())
		c.recycle(stack, inv)
		return nil, err
	}
	return inv, nil
}

func (c *Container) preInvoke(ctx context.Context, stack *MethodInfoStack, inv *Invocation) error {
	home, mi := inv.home, inv.method
	callerTx, _ := TransactionFromContext(ctx)

	var bctx context.Context
	if home.cfg.TxManagement == BeanManaged {
		// The caller's transaction is suspended for the whole call; the
		// method demarcates its own through the UserTransaction.
		inv.userTx = &UserTransaction{tm: c.tm}
		bctx = context.WithValue(ContextWithTransaction(ctx, nil), userTxKey{}, inv.userTx)
	} else {
		tx, began, err := c.associate(ctx, mi, callerTx)
		if err != nil {
			return err
		}
		inv.tx = tx
		inv.began = began
		inv.txRollbackOnlyAtEntry = tx != nil && !inv.began && tx.RollbackOnly()
		// A container-managed method never sees an enclosing bean-managed
		// method's UserTransaction.
		bctx = context.WithValue(ContextWithTransaction(ctx, tx), userTxKey{}, (*UserTransaction)(nil))
	}
	inv.ctx = contextWithInvocation(contextWithStack(bctx, stack), inv)

	if err := home.acquire(ctx, inv); err != nil {
		return err
	}
	b := inv.bean
	if inv.tx != nil && home.cfg.Kind != KindSingleton {
		if err := inv.tx.Enlist(b); err != nil {
			return fmt.Errorf("enlist %s: %w", inv.identity, err)
		}
	}

	nested := inv.nestedOn(b)
	if home.cfg.Kind == KindSingleton && !nested {
		if mi.Lock == LockRead {
			b.lock.RLock()
			inv.unlock = b.lock.RUnlock
		} else {
			b.lock.Lock()
			inv.unlock = b.lock.Unlock
		}
	}
	if err := b.enterMethod(nested, home.policy.Reentrant); err != nil {
		return fmt.Errorf("%s.%s: %w", inv.identity, mi.ID, err)
	}
	inv.entered = true
	return nil
}

// associate picks the transaction a container-managed call runs in and
// reports whether the call began it.
func (c *Container) associate(ctx context.Context, mi *MethodInfo, callerTx Transaction) (Transaction, bool, error) {
	switch mi.TxAttribute {
	case TxRequired:
		if callerTx != nil {
			return callerTx, false, nil
		}
		return c.begin(ctx)
	case TxRequiresNew:
		return c.begin(ctx)
	case TxMandatory:
		if callerTx == nil {
			return nil, false, fmt.Errorf("%s requires a transaction: %w", mi.ID, ErrInvalidTransactionState)
		}
		return callerTx, false, nil
	case TxSupports:
		return callerTx, false, nil
	case TxNotSupported:
		return nil, false, nil
	case TxNever:
		if callerTx != nil {
			return nil, false, fmt.Errorf("%s forbids transaction %s: %w", mi.ID, callerTx.ID(), ErrInvalidTransactionState)
		}
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%s: unknown transaction attribute %d: %w", mi.ID, mi.TxAttribute, ErrInvalidTransactionState)
	}
}

func (c *Container) begin(ctx context.Context) (Transaction, bool, error) {
	tx, err := c.tm.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, true, nil
}

// unwind undoes a PreInvoke that failed part way.
func (c *Container) unwind(inv *Invocation) {
	ctx := context.Background()
	if inv.ctx != nil {
		ctx = context.WithoutCancel(inv.ctx)
	}
	if inv.entered {
		inv.bean.exitMethod()
	}
	if inv.unlock != nil {
		inv.unlock()
	}
	if inv.bean != nil {
		inv.home.release(ctx, inv)
	}
	if inv.began {
		if err := inv.tx.Rollback(ctx); err != nil {
			inv.home.log.Error(err, "Rollback after rejected call failed", "tx", inv.tx.ID())
		}
	}
}

// PostInvoke completes the call prepared by PreInvoke. err is the outcome
// of the business method.
//
// The returned error is the first failure of the call: the business
// failure if there was one, otherwise a failure of the bookkeeping itself.
// Checked failures are returned as is; unchecked ones are wrapped in the
// error type of the handle's view. inv must not be used afterwards.
func (c *Container) PostInvoke(inv *Invocation, err error) error {
	if inv == nil || inv.home == nil {
		return ErrNotInInvocation
	}
	home, b := inv.home, inv.bean
	ctx := context.WithoutCancel(inv.ctx)

	inv.recordError(err)

	// A bean-managed method may not leave its own transaction open.
	if inv.userTx != nil && inv.userTx.Active() {
		if rbErr := inv.userTx.tx.Rollback(ctx); rbErr != nil {
			home.log.Error(rbErr, "Rollback of abandoned bean-managed transaction failed", "tx", inv.userTx.tx.ID())
		}
		inv.recordError(Unchecked(fmt.Errorf("%s.%s: %w", inv.identity, inv.method.ID, ErrBeanManagedTxActive)))
		inv.discard = true
	}

	checked := true
	if inv.err != nil {
		var rollback bool
		checked, rollback = classify(inv.view, inv.method, inv.err)
		inv.rollback = rollback
		if !checked && home.policy.DiscardOnSystemFailure {
			inv.discard = true
		}
	}
	if inv.rollback && inv.tx != nil {
		if mErr := inv.tx.SetRollbackOnly(); mErr != nil {
			home.log.Error(mErr, "Mark rollback-only failed", "tx", inv.tx.ID())
		}
	}

	if inv.entered {
		b.exitMethod()
	}
	if inv.unlock != nil {
		inv.unlock()
	}

	kind := FailureSystem
	surface := inv.err != nil && !checked
	if inv.began {
		if inv.rollback || inv.markedRollback {
			if rbErr := inv.tx.Rollback(ctx); rbErr != nil {
				inv.recordError(Unchecked(fmt.Errorf("rollback %s: %w", inv.tx.ID(), rbErr)))
				surface = true
			}
		} else if cErr := inv.tx.Commit(ctx); cErr != nil {
			first := inv.err == nil
			if errors.Is(cErr, ErrTransactionRolledBack) {
				inv.recordError(cErr)
				if first {
					kind = FailureRolledBackExternally
				}
			} else {
				inv.recordError(Unchecked(cErr))
			}
			surface = surface || first
		}
	} else if inv.tx != nil && surface {
		kind = FailureRolledBack
		if inv.txRollbackOnlyAtEntry {
			kind = FailureRolledBackExternally
		}
	}

	home.release(ctx, inv)

	out := inv.err
	if surface {
		out = inv.view.surface(Failure{
			Kind:     kind,
			Method:   inv.method.ID,
			Identity: inv.identity,
			Cause:    inv.err,
			Root:     inv.root,
		})
	}

	outcome := outcomeOK
	switch {
	case out == nil:
	case !surface:
		outcome = outcomeChecked
	case kind == FailureSystem:
		outcome = outcomeSystem
	default:
		outcome = outcomeRolledBack
	}
	c.metrics.invocation(home.name, outcome, c.clock().Sub(inv.start))
	if out != nil {
		home.log.V(logTrace).Info("Call failed", "identity", inv.identity, "method", inv.method.ID,
			"outcome", outcome, "discarded", inv.discard, "error", out.Error())
	}

	c.recycle(stackFromContext(inv.ctx), inv)
	return out
}

// recycle hands inv back to stack and, for the outermost call of a chain,
// the stack back to the container's pool.
func (c *Container) recycle(stack *MethodInfoStack, inv *Invocation) {
	if stack == nil {
		return
	}
	owns := inv.ownsStack
	if res := stack.Done(inv); res == StackDegraded {
		c.metrics.stackDegraded()
		c.log.Info("Method info stack degraded after an out-of-order release")
	}
	if owns {
		c.stacks.put(stack)
	}
}

// Invoke runs fn as method on the instance named by h, bracketed by
// PreInvoke and PostInvoke. A panic in fn is recovered and recorded as an
// unchecked *PanicError.
func (c *Container) Invoke(ctx context.Context, h Handle, method MethodID, fn BusinessFunc) (err error) {
	inv, err := c.PreInvoke(ctx, h, method)
	if err != nil {
		return err
	}
	var callErr error
	defer func() {
		if r := recover(); r != nil {
			callErr = newPanicError(r)
		}
		err = c.PostInvoke(inv, callErr)
	}()
	callErr = fn(inv.Context(), inv.Instance())
	return nil
}
