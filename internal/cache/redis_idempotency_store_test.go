package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, ttl time.Duration) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client, ttl), mr
}

func TestIdempotency_LockRememberRecall(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, time.Hour)

	_, found, err := store.Recall(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := store.TryLock(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryLock(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	assert.False(t, ok, "second lock on the same key must fail")

	// other customers have their own scope
	ok, err = store.TryLock(ctx, "checkout:2", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Remember(ctx, "checkout:1", "k1", "42"))
	v, found, err := store.Recall(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "42", v)
}

func TestIdempotency_ReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, time.Hour)

	ok, err := store.TryLock(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.Release(ctx, "checkout:1", "k1"))
	ok, err = store.TryLock(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotency_KeysExpire(t *testing.T) {
	ctx := context.Background()
	store, mr := setupStore(t, time.Minute)

	_, err := store.TryLock(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	require.NoError(t, store.Remember(ctx, "checkout:1", "k1", "7"))

	mr.FastForward(2 * time.Minute)

	_, found, err := store.Recall(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	assert.False(t, found)
	ok, err := store.TryLock(ctx, "checkout:1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	require.NoError(t, rdb.Close())

	mr.Close()
	_, err = NewClient(context.Background(), mr.Addr(), "")
	assert.Error(t, err)
}
