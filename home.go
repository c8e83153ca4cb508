package beancore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// HomeConfig describes one component home. Zero values fall back to the
// container's Config.
type HomeConfig struct {
	// Name identifies the home within its container. It must not contain
	// '/'.
	Name string

	Kind         Kind
	TxManagement TxManagement

	// Factory builds the component instances.
	Factory InstanceFactory

	// Methods is the static metadata of the home's business methods. It is
	// ignored when Metadata is set.
	Methods []MethodInfo

	// Metadata is an external metadata provider. Lookups are memoized in an
	// ARC cache of MetadataCacheSize entries.
	Metadata          MetadataProvider
	MetadataCacheSize int

	// PoolSize caps the idle instances of a stateless home. MinPoolSize
	// instances are built on install and kept through trimming.
	PoolSize        int
	MinPoolSize     int
	PoolIdleTimeout time.Duration

	// SessionTimeout applies to stateful homes. A negative value disables
	// idle expiry.
	SessionTimeout   time.Duration
	SessionCacheSize int

	// Reentrant overrides the container's reentrancy policy for the kind.
	Reentrant *bool

	// View is the client view of the wrappers the home hands out.
	View View
}

func (cfg *HomeConfig) validate() error {
	switch {
	case cfg.Name == "":
		return errors.New("home name is required")
	case strings.Contains(cfg.Name, "/"):
		return fmt.Errorf("home name %q contains '/'", cfg.Name)
	case cfg.Factory == nil:
		return fmt.Errorf("home %s: factory is required", cfg.Name)
	case int(cfg.Kind) >= len(kindNames):
		return fmt.Errorf("home %s: unknown kind %d", cfg.Name, cfg.Kind)
	case cfg.PoolSize < 0 || cfg.MinPoolSize < 0 || cfg.SessionCacheSize < 0:
		return fmt.Errorf("home %s: negative size", cfg.Name)
	}
	return nil
}

// Home owns every instance and wrapper of one component type.
type Home struct {
	name      string
	cfg       HomeConfig
	container *Container
	log       logr.Logger
	policy    KindPolicy
	factory   beanFactory
	metadata  MetadataProvider

	// Stateless homes.
	pool     *beanPool
	minPool  int
	poolIdle time.Duration

	// Stateful homes.
	sessions *sessionCache

	// Singleton homes. The instance is created on first use.
	singletonMu sync.RWMutex
	singleton   *Bean

	closed atomic.Bool
}

func newHome(ctx context.Context, c *Container, cfg HomeConfig) (*Home, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	h := &Home{
		name:      cfg.Name,
		cfg:       cfg,
		container: c,
		log:       c.log.WithValues("home", cfg.Name, "kind", cfg.Kind.String()),
		policy:    c.policies[cfg.Kind],
		factory:   factoryFor(cfg.Kind),
	}
	if cfg.Reentrant != nil {
		h.policy.Reentrant = *cfg.Reentrant
	}

	if cfg.Metadata != nil {
		size := cfg.MetadataCacheSize
		if size == 0 {
			size = c.cfg.MetadataCacheSize
		}
		md, err := newCachedMetadata(cfg.Metadata, size)
		if err != nil {
			return nil, fmt.Errorf("home %s: %w", cfg.Name, err)
		}
		h.metadata = md
	} else {
		h.metadata = NewStaticMetadata(cfg.Methods...)
	}

	switch cfg.Kind {
	case KindStateless:
		size := cmp.Or(cfg.PoolSize, c.cfg.PoolSize)
		h.pool = newBeanPool(size)
		h.minPool = min(cmp.Or(cfg.MinPoolSize, c.cfg.MinPoolSize), size)
		h.poolIdle = cmp.Or(cfg.PoolIdleTimeout, c.cfg.PoolIdleTimeout)
		if err := h.prefill(ctx); err != nil {
			return nil, err
		}
	case KindStateful:
		timeout := cmp.Or(cfg.SessionTimeout, c.cfg.SessionTimeout)
		if timeout < 0 {
			timeout = 0
		}
		sessions, err := newSessionCache(h, cmp.Or(cfg.SessionCacheSize, c.cfg.SessionCacheSize), timeout, c.store)
		if err != nil {
			return nil, fmt.Errorf("home %s: %w", cfg.Name, err)
		}
		h.sessions = sessions
	}
	return h, nil
}

// prefill builds MinPoolSize pooled instances.
func (h *Home) prefill(ctx context.Context) error {
	now := h.container.clock()
	for range h.minPool {
		b, err := h.factory.newBean(ctx, h)
		if err != nil {
			h.destroyAll(ctx, h.pool.drain())
			return fmt.Errorf("prefill %s: %w", h.name, err)
		}
		b.toPool(now)
		h.pool.put(b)
	}
	return nil
}

// Name returns the home name.
func (h *Home) Name() string { return h.name }

// Kind returns the component kind.
func (h *Home) Kind() Kind { return h.cfg.Kind }

// Policy returns the effective kind policy.
func (h *Home) Policy() KindPolicy { return h.policy }

// Create returns a wrapper for a new component.
//
// Stateful homes start a new session under a fresh key, and managed homes
// build an instance whose lifetime is bound to the returned wrapper.
// Stateless and singleton homes return a keyless wrapper; their instances
// are created on demand.
func (h *Home) Create(ctx context.Context) (*Wrapper, error) {
	if h.closed.Load() {
		return nil, fmt.Errorf("create %s: %w", h.name, ErrHomeClosed)
	}
	switch h.cfg.Kind {
	case KindStateful:
		b, err := h.sessions.create(ctx)
		if err != nil {
			return nil, err
		}
		h.log.V(logDebug).Info("Session created", "key", b.key)
		return newWrapper(h.container, b.identity(), h.cfg.View), nil
	case KindManaged:
		b, err := h.factory.newBean(ctx, h)
		if err != nil {
			return nil, err
		}
		if err := b.Activate(b.key, nil); err != nil {
			return nil, err
		}
		w := newWrapper(h.container, b.identity(), h.cfg.View)
		if err := h.container.reclaim.Add(ctx, w, b); err != nil {
			h.container.destroy(ctx, b)
			return nil, err
		}
		return w, nil
	default:
		return newWrapper(h.container, Identity{Home: h.name}, h.cfg.View), nil
	}
}

// Wrapper returns a wrapper for key without checking that it exists; the
// identity is resolved when the wrapper is used. Pooled kinds ignore key.
func (h *Home) Wrapper(key Key) *Wrapper {
	return newWrapper(h.container, h.identity(key), h.cfg.View)
}

// Proxy returns a rebindable handle for key.
func (h *Home) Proxy(key Key) *WrapperProxy {
	return newWrapperProxy(h.container, h.identity(key), h.cfg.View)
}

func (h *Home) identity(key Key) Identity {
	if !h.policy.IdentityKeyed {
		key = ""
	}
	return Identity{Home: h.name, Key: key}
}

// Remove destroys the stateful session or managed instance named key.
func (h *Home) Remove(ctx context.Context, key Key) error {
	id := Identity{Home: h.name, Key: key}
	switch h.cfg.Kind {
	case KindStateful:
		return h.sessions.remove(ctx, key)
	case KindManaged:
		b, ok := h.container.reclaim.lookup(id)
		if !ok || b.home != h {
			return activationError(id, ErrNoSuchObject)
		}
		if b.inMethod() {
			return fmt.Errorf("remove %s: %w", id, ErrConcurrentAccess)
		}
		h.container.reclaim.forget(b)
		if !b.retire() {
			// A call slipped in after the check; it destroys the bean on exit.
			return nil
		}
		return b.Destroy(ctx)
	default:
		return fmt.Errorf("remove on %s home %s: %w", h.cfg.Kind, h.name, ErrIllegalState)
	}
}

// Close rejects further calls and destroys every instance the home owns.
// Instances with calls still running are discarded and destroyed by the
// last call to leave them. Close is idempotent.
func (h *Home) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	var beans []*Bean
	if h.pool != nil {
		beans = append(beans, h.pool.drain()...)
	}
	if h.sessions != nil {
		beans = append(beans, h.sessions.close()...)
	}
	h.singletonMu.Lock()
	if h.singleton != nil {
		beans = append(beans, h.singleton)
		h.singleton = nil
	}
	h.singletonMu.Unlock()

	deferred := 0
	for _, b := range beans {
		if !b.retire() {
			deferred++
			continue
		}
		h.container.destroy(ctx, b)
	}
	reclaimed := h.container.reclaim.Remove(ctx, h)
	h.log.V(logVerbose).Info("Home closed", "destroyed", len(beans)-deferred+reclaimed, "deferred", deferred)
	return nil
}

func (h *Home) destroyAll(ctx context.Context, beans []*Bean) {
	for _, b := range beans {
		h.container.destroy(ctx, b)
	}
}

// sweep trims idle pooled instances and expires idle sessions.
func (h *Home) sweep(ctx context.Context, now time.Time) {
	if h.pool != nil {
		stale := h.pool.trim(now, h.poolIdle, h.minPool)
		if len(stale) > 0 {
			h.log.V(logDebug).Info("Trimmed idle pooled instances", "count", len(stale))
			h.destroyAll(ctx, stale)
		}
	}
	if h.sessions != nil {
		h.sessions.sweep(ctx, now)
	}
}

// singletonBean returns the singleton instance, creating it on first use.
func (h *Home) singletonBean(ctx context.Context) (*Bean, error) {
	h.singletonMu.RLock()
	if b := h.singleton; b != nil {
		h.singletonMu.RUnlock()
		return b, nil
	}
	h.singletonMu.RUnlock()

	h.singletonMu.Lock()
	defer h.singletonMu.Unlock()

	// Double-check: another caller may have built it meanwhile.
	if h.singleton != nil {
		return h.singleton, nil
	}
	if h.closed.Load() {
		return nil, ErrHomeClosed
	}
	b, err := h.factory.newBean(ctx, h)
	if err != nil {
		return nil, err
	}
	h.singleton = b
	h.log.V(logDebug).Info("Singleton created")
	return b, nil
}

// acquire resolves the invocation's identity to a bean and activates it in
// the invocation's transaction.
func (h *Home) acquire(ctx context.Context, inv *Invocation) error {
	id := inv.identity
	if h.closed.Load() {
		return activationError(id, ErrHomeClosed)
	}

	switch h.cfg.Kind {
	case KindStateless:
		b := h.pool.get()
		h.container.metrics.poolRequest(h.name, b != nil)
		if b == nil {
			nb, err := h.factory.newBean(ctx, h)
			if err != nil {
				return activationError(id, err)
			}
			b = nb
		}
		if err := b.Activate("", inv.tx); err != nil {
			h.container.destroy(ctx, b)
			return err
		}
		inv.bean = b

	case KindStateful:
		e, err := h.sessions.acquire(ctx, id.Key)
		if err != nil {
			return err
		}
		if err := e.bean.Activate(id.Key, inv.tx); err != nil {
			h.sessions.release(ctx, e)
			return err
		}
		inv.session = e
		inv.bean = e.bean

	case KindSingleton:
		b, err := h.singletonBean(ctx)
		if err != nil {
			return activationError(id, err)
		}
		if err := b.Activate("", nil); err != nil {
			return err
		}
		inv.bean = b

	case KindManaged:
		b, ok := h.container.reclaim.lookup(id)
		if !ok || b.home != h {
			return activationError(id, ErrNoSuchObject)
		}
		if err := b.Activate(id.Key, inv.tx); err != nil {
			return err
		}
		inv.bean = b
	}
	return nil
}

// release hands the invocation's bean back to its owner, or discards it.
func (h *Home) release(ctx context.Context, inv *Invocation) {
	b := inv.bean
	if b == nil {
		return
	}
	st := b.State()
	discard := inv.discard || st == StateDiscarded || st == StateDestroyed

	if discard {
		if b.Discard() {
			h.container.metrics.beanDiscarded(h.name)
			h.log.V(logDebug).Info("Instance discarded", "identity", b.identity(), "method", inv.method.ID)
		}
		h.forget(inv)
		// An enclosing call on the chain, or a concurrent singleton call,
		// still runs on the bean; the last one to leave destroys it.
		if !b.busy() {
			h.container.destroy(ctx, b)
		}
		return
	}

	switch h.cfg.Kind {
	case KindStateless:
		if st != StateReady || !b.toPool(h.container.clock()) {
			return
		}
		if !h.pool.put(b) || h.closed.Load() {
			h.container.destroy(ctx, b)
		}
	case KindStateful:
		if inv.session != nil {
			h.sessions.release(ctx, inv.session)
		}
	case KindSingleton, KindManaged:
		if st == StateReady {
			b.unbindTransaction()
		}
	}
}

// forget drops a discarded bean from the structure that owns it.
func (h *Home) forget(inv *Invocation) {
	b := inv.bean
	switch h.cfg.Kind {
	case KindStateful:
		if inv.session != nil {
			h.sessions.discard(inv.session)
		}
	case KindSingleton:
		h.singletonMu.Lock()
		if h.singleton == b {
			h.singleton = nil
		}
		h.singletonMu.Unlock()
	case KindManaged:
		h.container.reclaim.forget(b)
	}
}
