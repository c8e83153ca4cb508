package beancore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Bean owns exactly one live component instance together with its
// lifecycle state.
//
// A Bean is the unit the container creates, pools, caches and destroys.
// Its state is mutated only by the dispatch protocol and by the pool or
// cache that currently owns it. Destroy runs the teardown logic at most
// once no matter how many owners race to call it.
type Bean struct {
	home     *Home
	instance any

	// mu guards every field below.
	mu    sync.Mutex
	state State
	key   Key

	// tx is the transaction the bean is enlisted in. Stateful beans stay
	// bound until the transaction completes; other kinds are unbound when
	// they leave a call.
	tx Transaction

	// depth counts calls currently executing on the bean: nested reentrant
	// calls for identity-keyed kinds, concurrent callers for singletons.
	depth int

	pooledAt time.Time

	// lock serializes singleton calls according to MethodInfo.Lock.
	lock sync.RWMutex

	destroyed atomic.Bool
}

func newBean(h *Home, instance any, key Key) *Bean {
	return &Bean{home: h, instance: instance, key: key, state: StateCreated}
}

// Instance returns the component instance.
func (b *Bean) Instance() any { return b.instance }

// Home returns the owning home.
func (b *Bean) Home() *Home { return b.home }

// State returns the current lifecycle state.
func (b *Bean) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Key returns the identity key the bean is bound to.
func (b *Bean) Key() Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.key
}

// Transaction returns the transaction the bean is enlisted in, if any.
func (b *Bean) Transaction() Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tx
}

func (b *Bean) identity() Identity {
	return Identity{Home: b.home.name, Key: b.key}
}

// transition moves the bean to state to if the lifecycle table allows it.
// Staying in the current state is not a transition. The caller holds mu.
func (b *Bean) transition(to State) error {
	if b.state == to {
		return nil
	}
	if !b.state.CanTransition(to) {
		return fmt.Errorf("%s: %s to %s: %w", b.identity(), b.state, to, ErrIllegalTransition)
	}
	b.state = to
	return nil
}

// Activate binds the bean to key and tx and moves it to StateReady.
// A bean already executing a method is only checked for compatibility.
//
// Activation fails with an *ActivationError when the bean was discarded,
// passivated or destroyed, or when a stateful bean is still enlisted in a
// transaction other than tx. A stateful bean enlisted in a transaction
// also refuses calls that carry none.
func (b *Bean) Activate(key Key, tx Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateDestroyed, StateDiscarded, StatePassivated:
		return activationError(b.identity(), fmt.Errorf("%w: instance is %s", ErrNoSuchObject, b.state))
	}
	if b.key != "" && key != b.key {
		return fmt.Errorf("activate %s as %q: %w", b.identity(), key, ErrIllegalState)
	}
	if b.tx != nil {
		switch {
		case tx == nil && b.home.cfg.Kind == KindStateful:
			return activationError(b.identity(), fmt.Errorf("%w: bound to %s, called without a transaction",
				ErrTransactionConflict, b.tx.ID()))
		case tx != nil && b.tx.ID() != tx.ID():
			return activationError(b.identity(), fmt.Errorf("%w: bound to %s", ErrTransactionConflict, b.tx.ID()))
		}
	}
	// A nested or concurrent singleton call finds the bean already in a
	// method; it stays there.
	if b.state != StateInMethod {
		if err := b.transition(StateReady); err != nil {
			return err
		}
	}
	if tx != nil {
		b.tx = tx
	}
	b.key = key
	return nil
}

// enterMethod moves the bean into StateInMethod.
//
// nested reports that an outer call on the same chain is already executing
// on this bean. Singletons admit any number of callers; their exclusion is
// the RW lock taken by dispatch.
func (b *Bean) enterMethod(nested, reentrant bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateReady:
		if err := b.transition(StateInMethod); err != nil {
			return err
		}
		b.depth = 1
		return nil
	case StateInMethod:
		if nested {
			if !reentrant {
				return ErrReentrantCall
			}
			b.depth++
			return nil
		}
		if b.home.cfg.Kind == KindSingleton {
			b.depth++
			return nil
		}
		return ErrConcurrentAccess
	default:
		return b.transition(StateInMethod)
	}
}

// exitMethod leaves one level of StateInMethod and returns the new state.
// A bean discarded while calls were running stays discarded; only its
// depth drops.
func (b *Bean) exitMethod() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.depth > 0 {
		b.depth--
	}
	if b.state == StateInMethod && b.depth == 0 {
		_ = b.transition(StateReady)
	}
	return b.state
}

// inMethod reports whether any call is executing on the bean.
func (b *Bean) inMethod() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateInMethod
}

// busy reports whether any call, including one on a discarded bean, has
// not left the bean yet.
func (b *Bean) busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth > 0
}

// toPool unbinds a ready bean and parks it in StatePooled.
func (b *Bean) toPool(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StatePooled || b.transition(StatePooled) != nil {
		return false
	}
	b.key = ""
	b.tx = nil
	b.pooledAt = now
	return true
}

// unbindTransaction drops the transaction association of a non-stateful
// bean at the end of a call.
func (b *Bean) unbindTransaction() {
	b.mu.Lock()
	b.tx = nil
	b.mu.Unlock()
}

// Discard marks the bean as unusable. It may be called from any
// non-terminal state and any number of times; it returns true only for the
// call that performed the transition. Calls still running on the bean
// finish; the last of them is expected to destroy it.
func (b *Bean) Discard() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDiscarded {
		return false
	}
	return b.transition(StateDiscarded) == nil
}

// retire discards the bean on behalf of a bulk teardown and reports
// whether it may be destroyed now. When calls are still running the bean
// is left to the last of them.
func (b *Bean) retire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateDiscarded {
		_ = b.transition(StateDiscarded)
	}
	return b.depth == 0
}

// Destroy releases the instance and moves the bean to StateDestroyed.
//
// Only the first call runs the PreDestroy hook; later calls return nil
// without doing anything. Destroy is the teardown hook every owner must
// call exactly once per bean; the guard makes accidental repeats harmless.
// A bean with calls still running is not destroyed: Destroy fails with
// ErrIllegalTransition and leaves the bean as it is.
func (b *Bean) Destroy(ctx context.Context) error {
	b.mu.Lock()
	if b.destroyed.Load() {
		b.mu.Unlock()
		return nil
	}
	if b.depth > 0 {
		b.mu.Unlock()
		return fmt.Errorf("destroy %s with %d calls running: %w", b.identity(), b.depth, ErrIllegalTransition)
	}
	passivated := b.state == StatePassivated
	if err := b.transition(StateDestroyed); err != nil {
		b.mu.Unlock()
		return err
	}
	b.destroyed.Store(true)
	b.tx = nil
	b.mu.Unlock()

	b.home.container.metrics.beanDestroyed(b.home.name)

	// A passivated instance already handed its state over; it is released
	// without its destroy hook.
	if passivated {
		return nil
	}
	if d, ok := b.instance.(PreDestroyer); ok {
		if err := d.PreDestroy(ctx); err != nil {
			return fmt.Errorf("pre-destroy %s: %w", b.identity(), err)
		}
	}
	return nil
}

// Destroyed reports whether Destroy has run.
func (b *Bean) Destroyed() bool { return b.destroyed.Load() }

// passivate hands the conversational state of an idle stateful bean to its
// PrePassivator hook and parks the bean in StatePassivated.
func (b *Bean) passivate(ctx context.Context) ([]byte, error) {
	p, ok := b.instance.(PrePassivator)
	if !ok {
		return nil, fmt.Errorf("passivate %s: instance does not implement PrePassivator", b.identity())
	}

	b.mu.Lock()
	if b.state != StateReady {
		st := b.state
		b.mu.Unlock()
		return nil, fmt.Errorf("passivate from %s: %w", st, ErrIllegalTransition)
	}
	b.mu.Unlock()

	data, err := p.PrePassivate(ctx)
	if err != nil {
		return nil, fmt.Errorf("pre-passivate %s: %w", b.identity(), err)
	}

	b.mu.Lock()
	err = b.transition(StatePassivated)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// AfterCompletion is called by a Transaction once it completes. Stateful
// beans are released from the transaction and, if the instance implements
// SessionSynchronizer, told the outcome. Other kinds ignore the call since
// they were unbound when their call ended.
func (b *Bean) AfterCompletion(committed bool) {
	if b.home.cfg.Kind != KindStateful {
		return
	}
	b.mu.Lock()
	b.tx = nil
	b.mu.Unlock()
	if s, ok := b.instance.(SessionSynchronizer); ok {
		s.AfterCompletion(committed)
	}
}
