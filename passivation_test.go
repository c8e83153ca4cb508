package beancore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassivationStores(t *testing.T) {
	stores := map[string]func(t *testing.T) PassivationStore{
		"Memory": func(*testing.T) PassivationStore { return NewMemoryStore() },
		"File": func(t *testing.T) PassivationStore {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"Redis": func(t *testing.T) PassivationStore {
			addr := os.Getenv("BEANCORE_TEST_REDIS_ADDR")
			if addr == "" {
				t.Skip("BEANCORE_TEST_REDIS_ADDR not set")
			}
			cfg := DefaultRedisConfig()
			cfg.Addr = addr
			cfg.Prefix = "beancore-test-" + time.Now().Format("150405.000000")
			cfg.TTL = time.Minute
			s, err := NewRedisStore(context.Background(), cfg)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			testStoreRoundTrip(t, newStore(t))
		})
	}
}

func testStoreRoundTrip(t *testing.T, s PassivationStore) {
	ctx := context.Background()
	id := Identity{Home: "cart", Key: "a/b c"}
	other := Identity{Home: "orders", Key: "a/b c"}

	_, err := s.Load(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	require.NoError(t, s.Remove(ctx, id), "removing an unknown session is not an error")

	state := []byte("items=3;total=42")
	require.NoError(t, s.Save(ctx, id, state))
	state[0] = 'X'

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "items=3;total=42", string(got), "stores keep their own copy")

	_, err = s.Load(ctx, other)
	assert.ErrorIs(t, err, ErrSessionNotFound, "identities are namespaced by home")

	require.NoError(t, s.Save(ctx, id, []byte("v2")))
	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, s.Save(ctx, other, nil))
	got, err = s.Load(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Remove(ctx, id))
	_, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFileStoreWithContainer(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	c := newTestContainer(t, WithPassivationStore(store))
	h, tracker := installHome(t, c, HomeConfig{Name: "cart", Kind: KindStateful, Methods: allTestMethods(), SessionCacheSize: 1})

	w, err := h.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Invoke(ctx, testMethodOK.ID, setState("on-disk")))
	_, err = h.Create(ctx)
	require.NoError(t, err)

	var got string
	require.NoError(t, w.Invoke(ctx, testMethodOK.ID, func(_ context.Context, instance any) error {
		got = instance.(*testBean).getState()
		return nil
	}))
	assert.Equal(t, "on-disk", got)
	assert.Equal(t, 3, tracker.count())
}
