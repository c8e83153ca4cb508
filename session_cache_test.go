package beancore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setState(s string) BusinessFunc {
	return func(_ context.Context, instance any) error {
		instance.(*testBean).setState(s)
		return nil
	}
}

func TestSessionEntryTimeout(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &sessionEntry{lastAccess: t0, timeout: time.Minute}

	assert.False(t, e.isTimedOut(t0.Add(59*time.Second)))
	assert.True(t, e.isTimedOut(t0.Add(time.Minute)), "idle for exactly the timeout counts as expired")

	require.True(t, e.pin(t0.Add(30*time.Second)))
	assert.False(t, e.expire(t0.Add(time.Hour)), "pinned entries never expire")
	assert.False(t, e.unpin(t0.Add(40*time.Second)))
	assert.False(t, e.isTimedOut(t0.Add(99*time.Second)))
	assert.True(t, e.expire(t0.Add(100*time.Second)))
	assert.False(t, e.pin(t0.Add(101*time.Second)), "expired entries cannot be pinned")

	never := &sessionEntry{lastAccess: t0}
	assert.False(t, never.isTimedOut(t0.Add(1000*time.Hour)))
	assert.False(t, never.expire(t0.Add(1000*time.Hour)))
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestContainer(t, WithClock(clock.Now))
	h, tracker := installHome(t, c, HomeConfig{
		Name: "cart", Kind: KindStateful, Methods: allTestMethods(), SessionTimeout: time.Minute,
	})

	w, err := h.Create(ctx)
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	c.Sweep(ctx)
	require.NoError(t, w.Invoke(ctx, testMethodOK.ID, noop), "touching the session resets its idle time")

	clock.Advance(59 * time.Second)
	c.Sweep(ctx)
	require.NoError(t, w.Invoke(ctx, testMethodOK.ID, noop))

	clock.Advance(time.Minute)
	c.Sweep(ctx)
	inst := tracker.all()[0]
	assert.Equal(t, int32(1), inst.destroyed.Load())
	assert.Equal(t, int64(2), inst.calls.Load())

	err = w.Invoke(ctx, testMethodOK.ID, noop)
	var ae *ActivationError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, ErrNoSuchObject)
	assert.Equal(t, w.Identity(), ae.Identity)

	t.Run("In Flight Call Survives", func(t *testing.T) {
		w, err := h.Create(ctx)
		require.NoError(t, err)
		inv, err := c.PreInvoke(ctx, w, testMethodOK.ID)
		require.NoError(t, err)

		clock.Advance(time.Hour)
		c.Sweep(ctx)
		inst := inv.Instance().(*testBean)
		assert.Zero(t, inst.destroyed.Load())
		require.NoError(t, c.PostInvoke(inv, nil))

		clock.Advance(30 * time.Second)
		c.Sweep(ctx)
		require.NoError(t, w.Invoke(ctx, testMethodOK.ID, noop))
	})

	t.Run("Disabled Timeout", func(t *testing.T) {
		h, tracker := installHome(t, c, HomeConfig{
			Name: "forever", Kind: KindStateful, Methods: allTestMethods(), SessionTimeout: -1,
		})
		w, err := h.Create(ctx)
		require.NoError(t, err)
		clock.Advance(1000 * time.Hour)
		c.Sweep(ctx)
		require.NoError(t, w.Invoke(ctx, testMethodOK.ID, noop))
		assert.Zero(t, tracker.all()[0].destroyed.Load())
	})
}

func TestSessionPassivation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := newTestContainer(t, WithPassivationStore(store))
	h, tracker := installHome(t, c, HomeConfig{
		Name: "cart", Kind: KindStateful, Methods: allTestMethods(), SessionCacheSize: 2,
	})

	w1, err := h.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, w1.Invoke(ctx, testMethodOK.ID, setState("cart:1")))

	_, err = h.Create(ctx)
	require.NoError(t, err)
	assert.Zero(t, store.Len())

	_, err = h.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len(), "the least recently used session is passivated")

	first := tracker.all()[0]
	assert.Equal(t, int32(1), first.passivated.Load())
	assert.Zero(t, first.destroyed.Load(), "passivated instances skip their destroy hook")

	var got string
	require.NoError(t, w1.Invoke(ctx, testMethodOK.ID, func(_ context.Context, instance any) error {
		got = instance.(*testBean).getState()
		return nil
	}))
	assert.Equal(t, "cart:1", got, "state survives passivation under the same key")
	assert.Equal(t, 4, tracker.count(), "restoring builds a fresh instance")
	assert.Equal(t, int32(1), tracker.all()[3].activated.Load())
	assert.Equal(t, 1, store.Len(), "restoring the session evicted another one")
	assert.Equal(t, 2, h.sessions.len())

	_, err = store.Load(ctx, w1.Identity())
	assert.ErrorIs(t, err, ErrSessionNotFound, "restored state is dropped from the store")
}

func TestSessionEvictionWithoutStore(t *testing.T) {
	ctx := context.Background()
	c := newTestContainer(t)
	h, tracker := installHome(t, c, HomeConfig{
		Name: "cart", Kind: KindStateful, Methods: allTestMethods(), SessionCacheSize: 1,
	})

	w1, err := h.Create(ctx)
	require.NoError(t, err)
	_, err = h.Create(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(1), tracker.all()[0].destroyed.Load())
	assert.ErrorIs(t, w1.Invoke(ctx, testMethodOK.ID, noop), ErrNoSuchObject)
}

func TestSessionEvictionDeferredWhilePinned(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := newTestContainer(t, WithPassivationStore(store))
	h, tracker := installHome(t, c, HomeConfig{
		Name: "cart", Kind: KindStateful, Methods: allTestMethods(), SessionCacheSize: 1,
	})

	w1, err := h.Create(ctx)
	require.NoError(t, err)
	inv, err := c.PreInvoke(ctx, w1, testMethodOK.ID)
	require.NoError(t, err)

	_, err = h.Create(ctx)
	require.NoError(t, err)
	first := tracker.all()[0]
	assert.Zero(t, first.passivated.Load(), "a session in a call is never passivated")
	assert.Zero(t, store.Len())

	require.NoError(t, c.PostInvoke(inv, nil))
	assert.Equal(t, int32(1), first.passivated.Load(), "the eviction runs once the call ends")
	assert.Equal(t, 1, store.Len())

	require.NoError(t, w1.Invoke(ctx, testMethodOK.ID, noop))
}

func TestSessionRemove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := newTestContainer(t, WithPassivationStore(store))
	h, tracker := installHome(t, c, HomeConfig{
		Name: "cart", Kind: KindStateful, Methods: allTestMethods(), SessionCacheSize: 1,
	})

	t.Run("In Memory", func(t *testing.T) {
		w, err := h.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, h.Remove(ctx, w.Identity().Key))
		assert.Equal(t, int32(1), tracker.all()[0].destroyed.Load())
		assert.ErrorIs(t, h.Remove(ctx, w.Identity().Key), ErrNoSuchObject)
		assert.ErrorIs(t, w.Invoke(ctx, testMethodOK.ID, noop), ErrNoSuchObject)
	})

	t.Run("Passivated", func(t *testing.T) {
		w, err := h.Create(ctx)
		require.NoError(t, err)
		_, err = h.Create(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, store.Len())

		require.NoError(t, h.Remove(ctx, w.Identity().Key))
		assert.Zero(t, store.Len())
		assert.ErrorIs(t, w.Invoke(ctx, testMethodOK.ID, noop), ErrNoSuchObject)
	})

	t.Run("Busy", func(t *testing.T) {
		w, err := h.Create(ctx)
		require.NoError(t, err)
		inv, err := c.PreInvoke(ctx, w, testMethodOK.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, h.Remove(ctx, w.Identity().Key), ErrConcurrentAccess)
		require.NoError(t, c.PostInvoke(inv, nil))
		require.NoError(t, h.Remove(ctx, w.Identity().Key))
	})

	t.Run("Wrong Kind", func(t *testing.T) {
		sl, _ := installHome(t, c, HomeConfig{Name: "pricing", Methods: allTestMethods()})
		assert.ErrorIs(t, sl.Remove(ctx, "x"), ErrIllegalState)
	})
}
