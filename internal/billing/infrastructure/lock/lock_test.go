package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "repair", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "repair", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.TryLock(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	unlock()
	unlock()
	_, ok, err = l.TryLock(ctx, "repair", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLocker_ExpiredHoldIsTakenOver(t *testing.T) {
	l := NewLocalLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }
	ctx := context.Background()

	staleUnlock, ok, _ := l.TryLock(ctx, "repair", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryLock(ctx, "repair", time.Minute)
	require.True(t, ok)

	// Releasing the expired hold must not free the new holder.
	staleUnlock()
	_, ok, _ = l.TryLock(ctx, "repair", time.Minute)
	assert.False(t, ok)
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLocker_Exclusive(t *testing.T) {
	client := redisClient(t)
	l := NewRedisLocker(client, nil)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	unlock, ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock2, ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	unlock2()
}

func TestRedisLocker_UnlockKeepsForeignHold(t *testing.T) {
	client := redisClient(t)
	l := NewRedisLocker(client, nil)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	unlock, ok, err := l.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry followed by another holder.
	require.NoError(t, client.Set(ctx, keyPrefix+key, "other", time.Minute).Err())
	unlock()

	val, err := client.Get(ctx, keyPrefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, "other", val)
	require.NoError(t, client.Del(ctx, keyPrefix+key).Err())
}
