package beancore

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createAndDrop creates n managed components and drops every wrapper.
//
//go:noinline
func createAndDrop(t *testing.T, h *Home, n int) []Identity {
	t.Helper()
	ids := make([]Identity, 0, n)
	for range n {
		w, err := h.Create(context.Background())
		require.NoError(t, err)
		require.NoError(t, w.Invoke(context.Background(), testMethodOK.ID, noop))
		ids = append(ids, w.Identity())
	}
	return ids
}

func TestReclaimOrphans(t *testing.T) {
	ctx := context.Background()
	rc := NewReclaimCache(1, testr.New(t))
	t.Cleanup(func() { rc.Close(context.Background()) })

	c := newTestContainer(t, WithReclaimCache(rc))
	h, tracker := installHome(t, c, HomeConfig{Name: "report", Kind: KindManaged, Methods: allTestMethods()})

	kept, err := h.Create(ctx)
	require.NoError(t, err)

	// Three orphans against a queue of one forces the overflow sweep.
	ids := createAndDrop(t, h, 3)
	require.Len(t, ids, 3)
	require.Equal(t, 4, rc.Len())

	require.Eventually(t, func() bool {
		runtime.GC()
		rc.Poll(ctx)
		return rc.Len() == 1
	}, 5*time.Second, 10*time.Millisecond, "orphaned instances should be reclaimed")

	beans := tracker.all()
	assert.Zero(t, beans[0].destroyed.Load(), "a reachable wrapper keeps its instance")
	for _, b := range beans[1:] {
		assert.Equal(t, int32(1), b.destroyed.Load())
		assert.Equal(t, int64(1), b.calls.Load())
	}

	for _, id := range ids {
		err := c.Invoke(ctx, h.Wrapper(id.Key), testMethodOK.ID, noop)
		assert.ErrorIs(t, err, ErrNoSuchObject)
	}
	require.NoError(t, kept.Invoke(ctx, testMethodOK.ID, noop))
	runtime.KeepAlive(kept)
}

func TestReclaimProxyPinsWrapper(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)
	h, tracker := installHome(t, c, HomeConfig{Name: "report", Kind: KindManaged, Methods: allTestMethods()})

	w, err := h.Create(ctx)
	require.NoError(t, err)
	p := w.Proxy()
	w = nil

	for range 3 {
		runtime.GC()
		c.Sweep(ctx)
	}
	require.NoError(t, p.Invoke(ctx, testMethodOK.ID, noop), "a proxy keeps the managed instance alive")
	assert.Zero(t, tracker.all()[0].destroyed.Load())
	runtime.KeepAlive(p)
}

func TestReclaimRemoveScope(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)
	ha, ta := installHome(t, c, HomeConfig{Name: "a", Kind: KindManaged, Methods: allTestMethods()})
	hb, tb := installHome(t, c, HomeConfig{Name: "b", Kind: KindManaged, Methods: allTestMethods()})

	wa, err := ha.Create(ctx)
	require.NoError(t, err)
	wb, err := hb.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, c.ReclaimCache().Len())

	require.NoError(t, c.Uninstall(ctx, "a"))
	assert.Equal(t, int32(1), ta.all()[0].destroyed.Load())
	assert.Zero(t, tb.all()[0].destroyed.Load(), "other scopes are untouched")
	assert.Equal(t, 1, c.ReclaimCache().Len())

	require.NoError(t, wb.Invoke(ctx, testMethodOK.ID, noop))
	runtime.KeepAlive(wa)
}

func TestReclaimSharedAcrossContainers(t *testing.T) {
	ctx := context.Background()
	rc := NewReclaimCache(0, testr.New(t))
	t.Cleanup(func() { rc.Close(context.Background()) })

	ca := newTestContainer(t, WithReclaimCache(rc))
	cb := newTestContainer(t, WithReclaimCache(rc))
	ha, ta := installHome(t, ca, HomeConfig{Name: "cart", Kind: KindManaged, Methods: allTestMethods()})
	hb, tb := installHome(t, cb, HomeConfig{Name: "cart", Kind: KindManaged, Methods: allTestMethods()})

	wa, err := ha.Create(ctx)
	require.NoError(t, err)
	wb, err := hb.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rc.Len())

	assert.ErrorIs(t, ha.Remove(ctx, wb.Identity().Key), ErrNoSuchObject, "a home only removes its own instances")
	assert.Zero(t, tb.all()[0].destroyed.Load())

	require.NoError(t, ca.Uninstall(ctx, "cart"))
	assert.Equal(t, int32(1), ta.all()[0].destroyed.Load())
	assert.Zero(t, tb.all()[0].destroyed.Load(), "the same-named home of another container keeps its instances")
	assert.Equal(t, 1, rc.Len())
	require.NoError(t, wb.Invoke(ctx, testMethodOK.ID, noop))
	runtime.KeepAlive(wa)
}

func TestReclaimExplicitRemove(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)
	h, tracker := installHome(t, c, HomeConfig{Name: "report", Kind: KindManaged, Methods: allTestMethods()})

	w, err := h.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Remove(ctx, w.Identity().Key))
	assert.Equal(t, int32(1), tracker.all()[0].destroyed.Load())
	assert.Zero(t, c.ReclaimCache().Len())

	assert.ErrorIs(t, h.Remove(ctx, w.Identity().Key), ErrNoSuchObject)
	assert.ErrorIs(t, w.Invoke(ctx, testMethodOK.ID, noop), ErrNoSuchObject)
}

func TestReclaimClose(t *testing.T) {
	ctx := context.Background()
	rc := NewReclaimCache(0, testr.New(t))
	c := newTestContainer(t, WithReclaimCache(rc))
	h, tracker := installHome(t, c, HomeConfig{Name: "report", Kind: KindManaged, Methods: allTestMethods()})

	w, err := h.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Close(ctx))
	assert.Equal(t, int32(1), tracker.all()[0].destroyed.Load())

	_, err = h.Create(ctx)
	assert.ErrorIs(t, err, ErrContainerClosed)
	assert.Equal(t, 2, tracker.count())
	assert.Equal(t, int32(1), tracker.all()[1].destroyed.Load(), "a rejected instance is destroyed")
	runtime.KeepAlive(w)
}
