package beancore

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/go-logr/logr"
)

// reaper destroys discarded beans off the dispatch path.
//
// Destruction runs PreDestroy hooks, which may be slow; a bounded worker
// pool keeps them from delaying the caller whose call discarded the bean.
// Once stopped, or when configured with no workers, beans are destroyed
// inline.
type reaper struct {
	log logr.Logger

	mu      sync.RWMutex
	wp      *workerpool.WorkerPool
	stopped bool
}

func newReaper(workers int, log logr.Logger) *reaper {
	r := &reaper{log: log}
	if workers > 0 {
		r.wp = workerpool.New(workers)
	}
	return r
}

// destroy schedules b's destruction.
func (r *reaper) destroy(ctx context.Context, b *Bean) {
	ctx = context.WithoutCancel(ctx)
	r.mu.RLock()
	if r.wp != nil && !r.stopped {
		r.wp.Submit(func() { r.run(ctx, b) })
		r.mu.RUnlock()
		return
	}
	r.mu.RUnlock()
	r.run(ctx, b)
}

func (r *reaper) run(ctx context.Context, b *Bean) {
	if err := b.Destroy(ctx); err != nil {
		r.log.Error(err, "Destroy failed", "identity", b.identity())
		return
	}
	r.log.V(logTrace).Info("Instance destroyed", "identity", b.identity())
}

// pending returns the number of destructions waiting for a worker.
func (r *reaper) pending() int {
	if r.wp == nil {
		return 0
	}
	return r.wp.WaitingQueueSize()
}

// stop waits for queued destructions to finish. Later destructions run
// inline.
func (r *reaper) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	if r.wp != nil {
		r.wp.StopWait()
	}
}
