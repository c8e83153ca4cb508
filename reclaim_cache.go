// reclaim_cache.go
//
// Orphan reclamation for managed beans.
// A managed bean lives exactly as long as the Wrapper a caller holds for it.
// The cache keeps a weak pointer to every such wrapper and a strong
// reference to its bean; once the garbage collector frees the wrapper, a
// cleanup registered with runtime.AddCleanup posts the identity to a
// bounded notification queue and the next Poll destroys the bean.
//
// The queue plays the role of a reference queue. Cleanups run on the
// runtime's cleanup goroutine and must never block, so when the queue is
// full the notification is dropped and an overflow flag is raised instead;
// the next Poll then checks every entry's weak pointer directly.
//
// Beans are always destroyed after the cache lock is released, so a slow
// or lock-taking PreDestroy hook never stalls Add, Poll or Remove. A bean
// with a call still running is only discarded; the call destroys it when
// it leaves.
//
// Scopes are homes, compared by pointer: a cache shared by several
// containers keeps same-named homes of different containers apart.

package beancore

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/go-logr/logr"
)

// DefaultReclaimQueueSize bounds the collection-notification queue.
const DefaultReclaimQueueSize = 1024

type reclaimEntry struct {
	wrapper weak.Pointer[Wrapper]
	bean    *Bean
	cleanup runtime.Cleanup
}

// ReclaimCache destroys managed beans whose wrappers became unreachable.
//
// One cache is normally shared by every container of a process; construct
// it once at startup, pass it to each container with WithReclaimCache and
// Close it at shutdown.
type ReclaimCache struct {
	log logr.Logger

	mu      sync.Mutex
	entries map[Identity]*reclaimEntry
	closed  bool

	queue    chan Identity
	overflow atomic.Bool
}

// NewReclaimCache returns an empty cache whose notification queue holds
// queueSize identities. A non-positive size selects
// DefaultReclaimQueueSize.
func NewReclaimCache(queueSize int, log logr.Logger) *ReclaimCache {
	if queueSize <= 0 {
		queueSize = DefaultReclaimQueueSize
	}
	return &ReclaimCache{
		log:     log,
		entries: make(map[Identity]*reclaimEntry),
		queue:   make(chan Identity, queueSize),
	}
}

// notify runs on the runtime cleanup goroutine.
func (c *ReclaimCache) notify(id Identity) {
	select {
	case c.queue <- id:
	default:
		c.overflow.Store(true)
	}
}

// Add binds b's lifetime to w. It polls first so that a steady stream of
// new wrappers also drains the notifications of collected ones.
//
// The caller must not keep b reachable from w's finalizable state; the
// cache itself only holds w weakly. Adding an identity twice replaces the
// earlier entry without destroying its bean.
func (c *ReclaimCache) Add(ctx context.Context, w *Wrapper, b *Bean) error {
	c.Poll(ctx)

	id := w.Identity()
	e := &reclaimEntry{wrapper: weak.Make(w), bean: b}
	e.cleanup = runtime.AddCleanup(w, c.notify, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		e.cleanup.Stop()
		return ErrContainerClosed
	}
	if old, ok := c.entries[id]; ok {
		old.cleanup.Stop()
	}
	c.entries[id] = e
	return nil
}

// Poll drains the notification queue, removes the entries whose wrappers
// were collected and destroys their beans. It returns the number of beans
// destroyed.
func (c *ReclaimCache) Poll(ctx context.Context) int {
	var ids []Identity
drain:
	for {
		select {
		case id := <-c.queue:
			ids = append(ids, id)
		default:
			break drain
		}
	}
	sweep := c.overflow.Swap(false)
	if len(ids) == 0 && !sweep {
		return 0
	}

	var dead []*Bean
	c.mu.Lock()
	for _, id := range ids {
		// A live wrapper means the identity was re-added after the old
		// wrapper died; the notification belongs to the old one.
		if e, ok := c.entries[id]; ok && e.wrapper.Value() == nil {
			delete(c.entries, id)
			dead = append(dead, e.bean)
		}
	}
	if sweep {
		for id, e := range c.entries {
			if e.wrapper.Value() == nil {
				delete(c.entries, id)
				dead = append(dead, e.bean)
			}
		}
	}
	c.mu.Unlock()

	return c.destroy(ctx, dead, "Reclaimed orphaned instance")
}

// Remove destroys every bean owned by scope and returns how many it
// removed. Entries of other homes, including same-named homes of other
// containers, are left untouched.
func (c *ReclaimCache) Remove(ctx context.Context, scope *Home) int {
	var dead []*Bean
	c.mu.Lock()
	for id, e := range c.entries {
		if e.bean.home == scope {
			e.cleanup.Stop()
			delete(c.entries, id)
			dead = append(dead, e.bean)
		}
	}
	c.mu.Unlock()

	return c.destroy(ctx, dead, "Removed instance with its scope")
}

// forget drops the entry of b without destroying it. It is used when the
// bean is destroyed through another path.
func (c *ReclaimCache) forget(b *Bean) {
	c.mu.Lock()
	id := b.identity()
	if e, ok := c.entries[id]; ok && e.bean == b {
		e.cleanup.Stop()
		delete(c.entries, id)
	}
	c.mu.Unlock()
}

// lookup returns the bean registered for id.
func (c *ReclaimCache) lookup(id Identity) (*Bean, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.bean, true
}

// Len returns the number of registered beans.
func (c *ReclaimCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close destroys every registered bean and rejects later Adds.
func (c *ReclaimCache) Close(ctx context.Context) int {
	c.mu.Lock()
	c.closed = true
	dead := make([]*Bean, 0, len(c.entries))
	for id, e := range c.entries {
		e.cleanup.Stop()
		delete(c.entries, id)
		dead = append(dead, e.bean)
	}
	c.mu.Unlock()

	return c.destroy(ctx, dead, "Destroyed instance on close")
}

func (c *ReclaimCache) destroy(ctx context.Context, beans []*Bean, msg string) int {
	for _, b := range beans {
		if !b.retire() {
			b.home.container.metrics.beanReclaimed(b.home.name)
			c.log.V(logDebug).Info("Destruction deferred to running call", "identity", b.identity())
			continue
		}
		if err := b.Destroy(ctx); err != nil {
			c.log.Error(err, "Destroy failed", "identity", b.identity())
			continue
		}
		b.home.container.metrics.beanReclaimed(b.home.name)
		c.log.V(logDebug).Info(msg, "identity", b.identity())
	}
	return len(beans)
}
