package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(8, time.Hour)

	require.NoError(t, store.Set(ctx, "perm:1:view_post", []byte("42"), 0))
	value, ok, err := store.Get(ctx, "perm:1:view_post")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("42"), value)

	require.NoError(t, store.Delete(ctx, "perm:1:view_post", "missing"))
	_, ok, err = store.Get(ctx, "perm:1:view_post")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStoreHonoursEntryTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(8, time.Hour)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0, store.Len())
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2, time.Hour)

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
	_, _, _ = store.Get(ctx, "a")
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 0))

	_, ok, _ := store.Get(ctx, "b")
	require.False(t, ok)
	_, ok, _ = store.Get(ctx, "a")
	require.True(t, ok)
}

func TestNewSelectsBackend(t *testing.T) {
	store, err := New(context.Background(), Config{}, nil)
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, store)

	_, err = New(context.Background(), Config{Backend: BackendDatabase}, nil)
	require.Error(t, err)

	_, err = New(context.Background(), Config{Backend: "memcached"}, nil)
	require.Error(t, err)
}
