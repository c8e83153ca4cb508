package beancore

import (
	"sync"
	"time"
)

// stackPool reuses MethodInfoStacks across top-level call chains. Each
// chain borrows one stack for its whole nesting and returns it when the
// outermost call ends. Degraded stacks are never returned.
type stackPool struct {
	capacity int
	pool     sync.Pool
}

func newStackPool(capacity int) *stackPool {
	p := &stackPool{capacity: capacity}
	p.pool.New = func() any { return NewMethodInfoStack(p.capacity) }
	return p
}

// get obtains a stack with no outstanding records.
func (p *stackPool) get() *MethodInfoStack { return p.pool.Get().(*MethodInfoStack) }

// put returns s for reuse. It reports false when s was dropped because it
// degraded or still has records outstanding.
func (p *stackPool) put(s *MethodInfoStack) bool {
	if s.Degraded() || s.Depth() != 0 {
		return false
	}
	p.pool.Put(s)
	return true
}

// beanPool keeps idle beans of one stateless home.
//
// Beans are handed out LIFO so the most recently used (and most likely
// cache-warm) instance serves the next call. A bean is in the free list only
// while it is in StatePooled; get removes it before anyone can enter it, so
// two dispatches never share a pooled bean.
type beanPool struct {
	max int

	mu   sync.Mutex
	free []*Bean
}

func newBeanPool(size int) *beanPool {
	if size < 0 {
		size = 0
	}
	return &beanPool{max: size, free: make([]*Bean, 0, size)}
}

// get pops the most recently returned bean, or nil when the pool is empty.
func (p *beanPool) get() *Bean {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	idx := len(p.free) - 1
	b := p.free[idx]
	p.free[idx] = nil
	p.free = p.free[:idx]
	return b
}

// put parks b. It reports false when the pool is full; the caller then
// owns b and must destroy it.
func (p *beanPool) put(b *Bean) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.max {
		return false
	}
	p.free = append(p.free, b)
	return true
}

// len returns the number of idle beans.
func (p *beanPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// trim removes beans that idled for at least idle, keeping keep beans. The
// oldest beans sit at the bottom of the stack. Removed beans are returned
// for the caller to destroy outside the pool lock.
func (p *beanPool) trim(now time.Time, idle time.Duration, keep int) []*Bean {
	if idle <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(p.free)-keep && now.Sub(p.free[n].pooledAt) >= idle {
		n++
	}
	if n == 0 {
		return nil
	}
	stale := make([]*Bean, n)
	copy(stale, p.free[:n])
	rest := copy(p.free, p.free[n:])
	for i := rest; i < len(p.free); i++ {
		p.free[i] = nil
	}
	p.free = p.free[:rest]
	return stale
}

// drain empties the pool and returns every idle bean.
func (p *beanPool) drain() []*Bean {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.free
	p.free = make([]*Bean, 0, p.max)
	return out
}
