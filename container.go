// Package beancore implements the instance-lifecycle and invocation-dispatch
// core of a component container.
//
// A Container hosts component homes. Each home manages the instances of one
// component type according to its Kind: stateless instances are pooled,
// stateful sessions are cached by identity and passivated under memory
// pressure, singletons are created once, and managed instances live exactly
// as long as the Wrapper handed to the caller.
//
// Every business call is bracketed by PreInvoke and PostInvoke (or the
// Invoke helper), which associate the call with a transaction, classify its
// failure, complete any transaction the call began and decide whether the
// instance is returned to its owner or discarded.
package beancore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// Container hosts component homes and dispatches calls to their instances.
type Container struct {
	cfg      *Config
	log      logr.Logger
	tm       TransactionManager
	store    PassivationStore
	metrics  *Metrics
	clock    func() time.Time
	policies map[Kind]KindPolicy

	reclaim     *ReclaimCache
	ownsReclaim bool

	stacks *stackPool
	reaper *reaper

	profiling     *ProfilingConfig
	profileServer *http.Server
	traceFile     *os.File

	mu     sync.RWMutex
	homes  map[string]*Home
	closed atomic.Bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Option configures a Container during construction.
type Option func(*Container)

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) Option {
	return func(c *Container) {
		if cfg != nil {
			c.cfg = cfg
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logr.Logger) Option {
	return func(c *Container) { c.log = log }
}

// WithTransactionManager sets the transaction manager. The default is a
// LocalTransactionManager.
func WithTransactionManager(tm TransactionManager) Option {
	return func(c *Container) { c.tm = tm }
}

// WithReclaimCache shares a process-wide ReclaimCache. The caller remains
// responsible for closing it; without this option the container creates
// and closes a private one.
func WithReclaimCache(rc *ReclaimCache) Option {
	return func(c *Container) { c.reclaim = rc }
}

// WithPassivationStore sets where stateful homes passivate sessions. Without
// a store, sessions evicted from a full cache are destroyed.
func WithPassivationStore(s PassivationStore) Option {
	return func(c *Container) { c.store = s }
}

// WithMetrics records container activity in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Container) { c.metrics = m }
}

// WithClock replaces time.Now for timeouts and pool trimming.
func WithClock(now func() time.Time) Option {
	return func(c *Container) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithReentrancy sets whether nested calls on the same chain may re-enter
// an instance of kind k that is already executing a method.
func WithReentrancy(k Kind, allowed bool) Option {
	return func(c *Container) {
		p := c.policies[k]
		p.Reentrant = allowed
		c.policies[k] = p
	}
}

// New builds a container.
func New(opts ...Option) (*Container, error) {
	c := &Container{
		cfg:      DefaultConfig(),
		log:      logr.Discard(),
		clock:    time.Now,
		policies: maps.Clone(defaultKindPolicies),
		homes:    make(map[string]*Home),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.cfg.validate(); err != nil {
		return nil, err
	}
	if c.tm == nil {
		c.tm = NewLocalTransactionManager()
	}
	if c.reclaim == nil {
		c.reclaim = NewReclaimCache(c.cfg.ReclaimQueueSize, c.log.WithName("reclaim"))
		c.ownsReclaim = true
	}
	c.stacks = newStackPool(c.cfg.MethodStackCapacity)
	c.reaper = newReaper(c.cfg.ReaperWorkers, c.log.WithName("reaper"))

	if err := c.startProfiling(); err != nil {
		// Profiling is diagnostic only; the container works without it.
		c.log.Error(err, "Profiling setup failed")
	}

	if c.cfg.SweepInterval > 0 {
		c.stopSweep = make(chan struct{})
		c.sweepDone = make(chan struct{})
		go c.sweeper(c.cfg.SweepInterval)
	}
	c.log.V(logVerbose).Info("Container started",
		"poolSize", c.cfg.PoolSize,
		"sessionTimeout", c.cfg.SessionTimeout,
		"sweepInterval", c.cfg.SweepInterval,
		"reaperWorkers", c.cfg.ReaperWorkers)
	return c, nil
}

// Install creates a home from cfg.
func (c *Container) Install(ctx context.Context, cfg HomeConfig) (*Home, error) {
	if c.closed.Load() {
		return nil, ErrContainerClosed
	}
	c.mu.RLock()
	_, dup := c.homes[cfg.Name]
	c.mu.RUnlock()
	if dup {
		return nil, fmt.Errorf("install %s: %w: home already installed", cfg.Name, ErrIllegalState)
	}

	h, err := newHome(ctx, c, cfg)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, dup := c.homes[cfg.Name]; dup {
		c.mu.Unlock()
		h.Close(ctx)
		return nil, fmt.Errorf("install %s: %w: home already installed", cfg.Name, ErrIllegalState)
	}
	c.homes[cfg.Name] = h
	c.mu.Unlock()

	h.log.V(logVerbose).Info("Home installed", "txManagement", cfg.TxManagement.String(), "reentrant", h.policy.Reentrant)
	return h, nil
}

// Home returns the installed home named name.
func (c *Container) Home(name string) (*Home, error) { return c.home(name) }

func (c *Container) home(name string) (*Home, error) {
	if c.closed.Load() {
		return nil, ErrContainerClosed
	}
	c.mu.RLock()
	h, ok := c.homes[name]
	c.mu.RUnlock()
	if !ok {
		return nil, activationError(Identity{Home: name}, ErrNoSuchHome)
	}
	return h, nil
}

// owns reports whether h is still installed.
func (c *Container) owns(h *Home) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.homes[h.name] == h
}

// Uninstall removes the home named name and destroys its instances.
func (c *Container) Uninstall(ctx context.Context, name string) error {
	c.mu.Lock()
	h, ok := c.homes[name]
	delete(c.homes, name)
	c.mu.Unlock()
	if !ok {
		return activationError(Identity{Home: name}, ErrNoSuchHome)
	}
	return h.Close(ctx)
}

// TransactionManager returns the transaction manager calls are associated
// through.
func (c *Container) TransactionManager() TransactionManager { return c.tm }

// ReclaimCache returns the cache managed instances are registered in.
func (c *Container) ReclaimCache() *ReclaimCache { return c.reclaim }

// Sweep trims idle pooled instances, expires idle sessions and polls the
// reclaim cache once. The background sweeper calls it every SweepInterval.
func (c *Container) Sweep(ctx context.Context) {
	now := c.clock()
	c.mu.RLock()
	homes := make([]*Home, 0, len(c.homes))
	for _, h := range c.homes {
		homes = append(homes, h)
	}
	c.mu.RUnlock()

	for _, h := range homes {
		h.sweep(ctx, now)
	}
	c.reclaim.Poll(ctx)
}

func (c *Container) sweeper(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.Sweep(context.Background())
		}
	}
}

// destroy schedules b's destruction on the reaper.
func (c *Container) destroy(ctx context.Context, b *Bean) { c.reaper.destroy(ctx, b) }

// Close uninstalls every home, waits for pending destructions and stops the
// sweeper and profiling. Calls dispatched after Close fail with
// ErrContainerClosed.
func (c *Container) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.stopSweep != nil {
		close(c.stopSweep)
		<-c.sweepDone
	}

	c.mu.Lock()
	homes := c.homes
	c.homes = make(map[string]*Home)
	c.mu.Unlock()

	var errs []error
	for _, h := range homes {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ownsReclaim {
		c.reclaim.Close(ctx)
	}
	c.reaper.stop()
	c.stopProfiling()
	c.log.V(logVerbose).Info("Container closed", "homes", len(homes))
	return errors.Join(errs...)
}
