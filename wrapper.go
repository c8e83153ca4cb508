package beancore

import (
	"context"
	"sync/atomic"
)

// Handle is a caller-visible reference to a component instance. The only
// implementations are *Wrapper and *WrapperProxy; naming layers treat both
// as opaque.
type Handle interface {
	// Identity returns the (home, key) pair the handle names.
	Identity() Identity

	// View returns the client view calls through the handle use.
	View() View

	// resolve finds the home serving the identity.
	resolve() (*Home, error)

	// owner returns the container the handle dispatches through.
	owner() *Container
}

// BusinessFunc is the body of a business method. It runs on instance with
// ctx carrying the call's transaction and invocation.
type BusinessFunc func(ctx context.Context, instance any) error

// Wrapper is an immutable handle on one identity of one container.
//
// A Wrapper holds no reference to an instance: every call resolves the
// identity through the container, so a wrapper stays valid across pooling,
// passivation and activation of whatever instance currently serves it.
// Two wrappers are equal when their identities are.
//
// For managed homes the wrapper also owns the instance's lifetime: once the
// last reference to the *Wrapper is dropped, the reclaim cache destroys the
// instance.
type Wrapper struct {
	container *Container
	id        Identity
	view      View
}

func newWrapper(c *Container, id Identity, v View) *Wrapper {
	return &Wrapper{container: c, id: id, view: v}
}

func (w *Wrapper) Identity() Identity { return w.id }

func (w *Wrapper) View() View { return w.view }

// Container returns the container the wrapper dispatches through.
func (w *Wrapper) Container() *Container { return w.container }

func (w *Wrapper) resolve() (*Home, error) { return w.container.home(w.id.Home) }

func (w *Wrapper) owner() *Container { return w.container }

// Invoke dispatches method to the instance serving the wrapper's identity.
func (w *Wrapper) Invoke(ctx context.Context, method MethodID, fn BusinessFunc) error {
	return w.container.Invoke(ctx, w, method, fn)
}

// Equal reports whether h names the same identity in the same container.
// Same-named homes of different containers are different homes.
func (w *Wrapper) Equal(h Handle) bool {
	return h != nil && h.owner() == w.container && h.Identity() == w.id
}

// Hash returns the identity hash. Handles that are Equal hash alike.
func (w *Wrapper) Hash() uint64 { return w.id.Hash() }

// Proxy returns a WrapperProxy over the same identity. The proxy keeps w
// reachable, so a managed instance lives as long as either of them.
func (w *Wrapper) Proxy() *WrapperProxy {
	p := &WrapperProxy{container: w.container}
	p.state.Store(&proxyState{id: w.id, view: w.view, pin: w})
	return p
}

// proxyState is the resolution state of a WrapperProxy. States are never
// mutated after publication; rebinding swaps in a new one.
type proxyState struct {
	id   Identity
	view View

	// home caches the last successful resolution. It is revalidated before
	// every use since the home may have been uninstalled or replaced.
	home *Home

	pin *Wrapper
}

// WrapperProxy is a handle whose resolution state the container can swap
// while callers hold on to it. Equality and hashing follow the identity of
// the current state, so a proxy equals any Wrapper or proxy naming the same
// identity in the same container.
type WrapperProxy struct {
	container *Container
	state     atomic.Pointer[proxyState]
}

func newWrapperProxy(c *Container, id Identity, v View) *WrapperProxy {
	p := &WrapperProxy{container: c}
	p.state.Store(&proxyState{id: id, view: v})
	return p
}

func (p *WrapperProxy) Identity() Identity { return p.state.Load().id }

func (p *WrapperProxy) View() View { return p.state.Load().view }

func (p *WrapperProxy) owner() *Container { return p.container }

// resolve returns the cached home while it is open, and re-resolves and
// republishes the state otherwise.
func (p *WrapperProxy) resolve() (*Home, error) {
	st := p.state.Load()
	if st.home != nil && !st.home.closed.Load() && p.container.owns(st.home) {
		return st.home, nil
	}
	h, err := p.container.home(st.id.Home)
	if err != nil {
		return nil, err
	}
	next := *st
	next.home = h
	// Losing the race means another call rebound or resolved first; its
	// state is at least as fresh.
	p.state.CompareAndSwap(st, &next)
	return h, nil
}

// Rebind points the proxy at id. Calls already dispatched keep their
// identity; later calls use id.
func (p *WrapperProxy) Rebind(id Identity) {
	for {
		st := p.state.Load()
		next := &proxyState{id: id, view: st.view}
		if st.pin != nil && st.pin.id == id {
			next.pin = st.pin
		}
		if p.state.CompareAndSwap(st, next) {
			return
		}
	}
}

// Invoke dispatches method to the instance serving the proxy's identity.
func (p *WrapperProxy) Invoke(ctx context.Context, method MethodID, fn BusinessFunc) error {
	return p.container.Invoke(ctx, p, method, fn)
}

// Equal reports whether h names the same identity in the same container.
func (p *WrapperProxy) Equal(h Handle) bool {
	return h != nil && h.owner() == p.container && h.Identity() == p.Identity()
}

// Hash returns the identity hash. Handles that are Equal hash alike.
func (p *WrapperProxy) Hash() uint64 { return p.Identity().Hash() }
