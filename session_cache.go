// session_cache.go
//
// Identity-keyed cache of stateful session beans.
// Sessions live in a bounded LRU. When the LRU overflows, the least recently
// used idle session is passivated to the home's PassivationStore (or
// destroyed when no store is configured or the instance cannot passivate)
// and transparently restored under the same key by the next call. Sessions
// idle for at least their timeout are destroyed by the container sweeper.
//
// Locking is kept per structure: the LRU guards itself, each entry has its
// own mutex for the last-access timestamp and pin count, and a small array
// of striped mutexes (indexed by the FarmHash of the identity) serializes
// activation, passivation and removal of any one key.

package beancore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultSessionCacheSize bounds the number of in-memory sessions per
	// stateful home.
	DefaultSessionCacheSize = 2053

	// sessionStripes must be a power of two.
	sessionStripes = 64
)

// sessionEntry tracks one cached session.
type sessionEntry struct {
	key  Key
	bean *Bean

	// mu guards every field below. The idle sweep reads lastAccess and
	// pins under mu so a call that touches the entry concurrently can
	// never be mistaken for an idle session.
	mu         sync.Mutex
	lastAccess time.Time
	timeout    time.Duration
	pins       int

	// gone is set once the entry left the cache for good; expired
	// distinguishes an idle timeout (session destroyed) from passivation.
	gone    bool
	expired bool

	// evicted records an LRU eviction that hit the entry while a call was
	// running; the passivation happens when the last pin is released.
	evicted bool
}

func newSessionEntry(b *Bean, now time.Time, timeout time.Duration) *sessionEntry {
	return &sessionEntry{key: b.key, bean: b, lastAccess: now, timeout: timeout}
}

// isTimedOut reports whether the session idled for at least its timeout at
// now. A zero timeout never expires.
func (e *sessionEntry) isTimedOut(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout > 0 && now.Sub(e.lastAccess) >= e.timeout
}

// pin records the start of a call. It fails once the entry is gone.
func (e *sessionEntry) pin(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return false
	}
	e.pins++
	e.lastAccess = now
	return true
}

// unpin records the end of a call and reports whether a deferred eviction
// is now due.
func (e *sessionEntry) unpin(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pins > 0 {
		e.pins--
	}
	e.lastAccess = now
	if e.pins == 0 && e.evicted {
		e.evicted = false
		return true
	}
	return false
}

// expire marks an idle, unpinned, timed-out entry as gone.
func (e *sessionEntry) expire(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || e.pins > 0 || e.timeout <= 0 || now.Sub(e.lastAccess) < e.timeout {
		return false
	}
	e.gone = true
	e.expired = true
	return true
}

// sessionCache holds the sessions of one stateful home.
type sessionCache struct {
	home    *Home
	timeout time.Duration
	store   PassivationStore

	lru *lru.Cache[Key, *sessionEntry]

	// spill keeps entries evicted from the LRU until their passivation is
	// complete, so a concurrent lookup finds either the entry or its stored
	// state, never neither.
	spillMu sync.Mutex
	spill   map[Key]*sessionEntry
	queue   []Key

	stripes [sessionStripes]sync.Mutex
}

func newSessionCache(h *Home, size int, timeout time.Duration, store PassivationStore) (*sessionCache, error) {
	if size <= 0 {
		size = DefaultSessionCacheSize
	}
	c := &sessionCache{
		home:    h,
		timeout: timeout,
		store:   store,
		spill:   make(map[Key]*sessionEntry),
	}
	cache, err := lru.NewWithEvict[Key, *sessionEntry](size, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	c.lru = cache
	return c, nil
}

func (c *sessionCache) stripe(key Key) *sync.Mutex {
	return &c.stripes[Identity{Home: c.home.name, Key: key}.stripe(sessionStripes)]
}

func (c *sessionCache) now() time.Time { return c.home.container.clock() }

// onEvict runs outside the LRU lock for capacity evictions and explicit
// removals alike. Removals mark the entry gone first and are ignored here.
func (c *sessionCache) onEvict(key Key, e *sessionEntry) {
	e.mu.Lock()
	gone := e.gone
	e.mu.Unlock()
	if gone {
		return
	}
	c.spillMu.Lock()
	c.spill[key] = e
	c.queue = append(c.queue, key)
	c.spillMu.Unlock()
}

// create builds a new session and caches it.
func (c *sessionCache) create(ctx context.Context) (*Bean, error) {
	b, err := c.home.factory.newBean(ctx, c.home)
	if err != nil {
		return nil, err
	}
	if err := b.Activate(b.key, nil); err != nil {
		return nil, err
	}
	c.lru.Add(b.key, newSessionEntry(b, c.now(), c.timeout))
	c.home.container.metrics.sessionsActive(c.home.name, c.len())
	c.processEvictions(ctx)
	return b, nil
}

// lookup finds a cached entry, rescuing it from the spill map when its
// eviction has not been processed yet. The caller holds the key's stripe.
func (c *sessionCache) lookup(key Key) *sessionEntry {
	if e, ok := c.lru.Get(key); ok {
		return e
	}
	c.spillMu.Lock()
	e, ok := c.spill[key]
	if ok {
		delete(c.spill, key)
	}
	c.spillMu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.evicted = false
	e.mu.Unlock()
	c.lru.Add(key, e)
	return e
}

// acquire pins the session named key for one call, restoring it from the
// passivation store when it is not in memory.
func (c *sessionCache) acquire(ctx context.Context, key Key) (*sessionEntry, error) {
	id := Identity{Home: c.home.name, Key: key}
	mu := c.stripe(key)
	mu.Lock()
	e, err := c.acquireLocked(ctx, id)
	mu.Unlock()
	c.processEvictions(ctx)
	return e, err
}

func (c *sessionCache) acquireLocked(ctx context.Context, id Identity) (*sessionEntry, error) {
	for attempt := 0; attempt < 2; attempt++ {
		e := c.lookup(id.Key)
		if e == nil {
			restored, err := c.restore(ctx, id)
			if err != nil {
				return nil, err
			}
			e = restored
		}
		if e.pin(c.now()) {
			return e, nil
		}
		e.mu.Lock()
		expired := e.expired
		e.mu.Unlock()
		if expired {
			break
		}
	}
	return nil, activationError(id, ErrNoSuchObject)
}

// restore rebuilds a passivated session. The caller holds the key's stripe.
func (c *sessionCache) restore(ctx context.Context, id Identity) (*sessionEntry, error) {
	if c.store == nil {
		return nil, activationError(id, ErrNoSuchObject)
	}
	state, err := c.store.Load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, activationError(id, ErrNoSuchObject)
	}
	if err != nil {
		return nil, activationError(id, err)
	}
	b, err := statefulFactory{}.restore(ctx, c.home, id.Key, state)
	if err != nil {
		return nil, activationError(id, err)
	}
	if err := c.store.Remove(ctx, id); err != nil {
		c.home.log.Error(err, "Failed to drop restored session state", "identity", id)
	}
	e := newSessionEntry(b, c.now(), c.timeout)
	c.lru.Add(id.Key, e)
	c.home.log.V(logDebug).Info("Session activated", "identity", id)
	return e, nil
}

// release unpins e after a call and runs a deferred eviction if one is due.
func (c *sessionCache) release(ctx context.Context, e *sessionEntry) {
	if !e.unpin(c.now()) {
		return
	}
	c.spillMu.Lock()
	c.spill[e.key] = e
	c.queue = append(c.queue, e.key)
	c.spillMu.Unlock()
	c.processEvictions(ctx)
}

// discard drops a session whose bean was discarded by dispatch.
func (c *sessionCache) discard(e *sessionEntry) {
	e.mu.Lock()
	e.gone = true
	e.expired = true
	if e.pins > 0 {
		e.pins--
	}
	e.mu.Unlock()
	c.lru.Remove(e.key)
	c.spillMu.Lock()
	delete(c.spill, e.key)
	c.spillMu.Unlock()
	c.home.container.metrics.sessionsActive(c.home.name, c.len())
}

// processEvictions passivates or destroys every queued eviction.
func (c *sessionCache) processEvictions(ctx context.Context) {
	c.spillMu.Lock()
	queue := c.queue
	c.queue = nil
	c.spillMu.Unlock()
	for _, key := range queue {
		c.evict(ctx, key)
	}
}

func (c *sessionCache) evict(ctx context.Context, key Key) {
	id := Identity{Home: c.home.name, Key: key}
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	c.spillMu.Lock()
	e, ok := c.spill[key]
	c.spillMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.pins > 0 {
		e.evicted = true
		e.mu.Unlock()
		return
	}
	// Sessions enlisted in a transaction stay in the spill map until a
	// lookup brings them back or they time out.
	if !e.gone && e.bean.Transaction() != nil {
		e.mu.Unlock()
		return
	}
	alreadyGone := e.gone
	e.gone = true
	e.mu.Unlock()

	defer func() {
		c.spillMu.Lock()
		delete(c.spill, key)
		c.spillMu.Unlock()
		c.home.container.metrics.sessionsActive(c.home.name, c.len())
	}()
	if alreadyGone {
		return
	}

	if c.store != nil {
		if _, ok := e.bean.Instance().(PrePassivator); ok {
			err := c.passivate(ctx, id, e.bean)
			if err == nil {
				return
			}
			c.home.log.Error(err, "Passivation failed, destroying session", "identity", id)
		}
	}
	e.mu.Lock()
	e.expired = true
	e.mu.Unlock()
	c.home.container.destroy(ctx, e.bean)
}

func (c *sessionCache) passivate(ctx context.Context, id Identity, b *Bean) error {
	state, err := b.passivate(ctx)
	if err != nil {
		return err
	}
	if err := c.store.Save(ctx, id, state); err != nil {
		return err
	}
	c.home.container.metrics.beanPassivated(c.home.name)
	c.home.log.V(logDebug).Info("Session passivated", "identity", id, "bytes", len(state))
	return b.Destroy(ctx)
}

// remove destroys the session named key, wherever it currently lives.
func (c *sessionCache) remove(ctx context.Context, key Key) error {
	id := Identity{Home: c.home.name, Key: key}
	mu := c.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		c.spillMu.Lock()
		e, ok = c.spill[key]
		c.spillMu.Unlock()
	}
	if ok {
		e.mu.Lock()
		if e.pins > 0 {
			e.mu.Unlock()
			return fmt.Errorf("remove %s: %w", id, ErrConcurrentAccess)
		}
		gone := e.gone
		e.gone = true
		e.expired = true
		e.mu.Unlock()
		if !gone {
			c.lru.Remove(key)
			c.spillMu.Lock()
			delete(c.spill, key)
			c.spillMu.Unlock()
			c.home.container.metrics.sessionsActive(c.home.name, c.len())
			return e.bean.Destroy(ctx)
		}
	}
	if c.store == nil {
		return activationError(id, ErrNoSuchObject)
	}
	if _, err := c.store.Load(ctx, id); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return activationError(id, ErrNoSuchObject)
		}
		return err
	}
	return c.store.Remove(ctx, id)
}

// sweep destroys every session that idled past its timeout at now and
// returns how many it removed.
func (c *sessionCache) sweep(ctx context.Context, now time.Time) int {
	var expired []*sessionEntry
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && e.expire(now) {
			c.lru.Remove(key)
			expired = append(expired, e)
		}
	}
	c.spillMu.Lock()
	for key, e := range c.spill {
		if e.expire(now) {
			delete(c.spill, key)
			expired = append(expired, e)
		}
	}
	c.spillMu.Unlock()

	for _, e := range expired {
		c.home.log.V(logDebug).Info("Session timed out", "identity", Identity{Home: c.home.name, Key: e.key})
		c.home.container.destroy(ctx, e.bean)
	}
	if len(expired) > 0 {
		c.home.container.metrics.sessionsActive(c.home.name, c.len())
	}
	return len(expired)
}

// close removes every in-memory session and returns their beans.
func (c *sessionCache) close() []*Bean {
	var beans []*Bean
	take := func(e *sessionEntry) {
		e.mu.Lock()
		gone := e.gone
		e.gone = true
		e.expired = true
		e.mu.Unlock()
		if !gone {
			beans = append(beans, e.bean)
		}
	}
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			take(e)
		}
	}
	c.lru.Purge()
	c.spillMu.Lock()
	for _, e := range c.spill {
		take(e)
	}
	c.spill = make(map[Key]*sessionEntry)
	c.queue = nil
	c.spillMu.Unlock()
	return beans
}

// len returns the number of in-memory sessions.
func (c *sessionCache) len() int {
	c.spillMu.Lock()
	n := len(c.spill)
	c.spillMu.Unlock()
	return c.lru.Len() + n
}
