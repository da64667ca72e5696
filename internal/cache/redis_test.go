package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Address: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, mr := setupRedisStore(t)

	require.NoError(t, store.Set(ctx, "perm", []byte("7"), time.Minute))
	require.True(t, mr.Exists("test:perm"))

	value, ok, err := store.Get(ctx, "perm")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("7"), value)

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Get(ctx, "perm")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := setupRedisStore(t)

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, store.Delete(ctx, "a", "b"))
	require.False(t, mr.Exists("test:a"))
	require.NoError(t, store.Delete(ctx))
}

func TestNewRedisStoreRequiresAddress(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	require.Error(t, err)
}
