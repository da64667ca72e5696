package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/rowguard/internal/cache"
	"github.com/charlesng35/rowguard/internal/database/testutil"
)

func TestDatabaseStoreUpsertAndExpiry(t *testing.T) {
	ctx := context.Background()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)

	require.NoError(t, store.Set(ctx, "perm", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "perm", []byte("2"), 0))

	value, ok, err := store.Get(ctx, "perm")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), value)

	require.NoError(t, store.Set(ctx, "short", []byte("x"), time.Nanosecond))
	time.Sleep(5 * time.Millisecond)
	_, ok, err = store.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Delete(ctx, "perm"))
	_, ok, err = store.Get(ctx, "perm")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDatabaseStorePurge(t *testing.T) {
	ctx := context.Background()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)

	require.NoError(t, store.Set(ctx, "stale", []byte("x"), time.Nanosecond))
	require.NoError(t, store.Set(ctx, "forever", []byte("y"), 0))
	time.Sleep(5 * time.Millisecond)

	removed, err := store.Purge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, ok, err := store.Get(ctx, "forever")
	require.NoError(t, err)
	require.True(t, ok)
}
