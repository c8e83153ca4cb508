package beancore

import (
	"context"
	"time"
)

// Invocation is the per-call record created by PreInvoke and released by
// PostInvoke.
//
// It carries the resolved method metadata, the transaction associated with
// the call and the first failure recorded for it. Records are recycled by
// a MethodInfoStack; a caller must not touch an Invocation after passing it
// to PostInvoke.
type Invocation struct {
	// stack and slot locate the record inside its MethodInfoStack. slot is
	// -1 for records allocated past capacity or by a degraded stack.
	stack *MethodInfoStack
	slot  int

	container *Container
	home      *Home
	method    *MethodInfo
	identity  Identity
	view      View
	bean      *Bean

	// session is the pinned cache entry of a stateful call.
	session *sessionEntry

	// entered records that enterMethod succeeded.
	entered bool

	// ctx is the context handed to the business method. It carries the
	// call's transaction (or none when suspended), the record itself and
	// the chain's stack.
	ctx context.Context

	tx    Transaction
	began bool

	// txRollbackOnlyAtEntry remembers whether someone else had already
	// doomed the caller's transaction before this call started.
	txRollbackOnlyAtEntry bool

	userTx *UserTransaction

	// markedRollback records that the business method doomed its own
	// transaction through SetRollbackOnly.
	markedRollback bool

	// parent is the invocation of the calling business method on the same
	// chain, nil for the outermost call.
	parent *Invocation

	// ownsStack marks the outermost call of a chain; it returns the stack
	// to the container's pool.
	ownsStack bool

	// unlock releases the singleton lock taken in PreInvoke.
	unlock func()

	err      error
	root     error
	rollback bool
	discard  bool

	start time.Time
}

func newInvocation(s *MethodInfoStack, slot int) *Invocation {
	return &Invocation{stack: s, slot: slot}
}

// reset clears every per-call field while keeping the slot binding.
func (inv *Invocation) reset() {
	s, slot := inv.stack, inv.slot
	*inv = Invocation{stack: s, slot: slot}
}

// Instance returns the component instance the business method must run on.
func (inv *Invocation) Instance() any {
	if inv.bean == nil {
		return nil
	}
	return inv.bean.Instance()
}

// Context returns the context to pass to the business method.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Method returns the resolved metadata.
func (inv *Invocation) Method() *MethodInfo { return inv.method }

// Identity returns the identity the call was dispatched to.
func (inv *Invocation) Identity() Identity { return inv.identity }

// View returns the client view the call arrived through.
func (inv *Invocation) View() View { return inv.view }

// Transaction returns the transaction associated with the call, or nil.
func (inv *Invocation) Transaction() Transaction { return inv.tx }

// Err returns the first failure recorded for the call.
func (inv *Invocation) Err() error { return inv.err }

// recordError keeps only the first failure; later ones never hide it.
func (inv *Invocation) recordError(err error) {
	if err == nil || inv.err != nil {
		return
	}
	inv.err = err
	inv.root = RootCause(err)
}

// nestedOn reports whether an enclosing call on the same chain is
// executing on b.
func (inv *Invocation) nestedOn(b *Bean) bool {
	for p := inv.parent; p != nil; p = p.parent {
		if p.bean == b {
			return true
		}
	}
	return false
}

type invocationKey struct{}

func contextWithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the invocation a business method is running
// under.
func InvocationFromContext(ctx context.Context) (*Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*Invocation)
	return inv, ok && inv != nil
}

type stackKey struct{}

func contextWithStack(ctx context.Context, s *MethodInfoStack) context.Context {
	return context.WithValue(ctx, stackKey{}, s)
}

func stackFromContext(ctx context.Context) *MethodInfoStack {
	s, _ := ctx.Value(stackKey{}).(*MethodInfoStack)
	return s
}

// Detach returns a context that no longer carries the call chain's
// MethodInfoStack or invocation. Use it before handing a business context to
// another goroutine; calls made there start a chain of their own and are
// never treated as reentrant. The transaction association is kept.
func Detach(ctx context.Context) context.Context {
	if stackFromContext(ctx) == nil {
		if _, ok := InvocationFromContext(ctx); !ok {
			return ctx
		}
	}
	return contextWithInvocation(contextWithStack(ctx, nil), nil)
}
