package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskq/internal/platform/redis"
	"github.com/phrazzld/taskq/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ scheduler.Locker = (*redis.Locker)(nil)

func TestConnect_InvalidURL(t *testing.T) {
	t.Parallel()
	_, err := redis.Connect(context.Background(), "not-a-redis-url")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestLocker_TryLock(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := redis.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	key := "test:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), redis.KeyPrefix+key) })

	a := redis.NewLocker(rdb)
	b := redis.NewLocker(rdb)
	require.NotEqual(t, a.Owner(), b.Owner())

	ok, err := a.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second claim on the same fire time must lose")

	owner, err := rdb.Get(ctx, redis.KeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Equal(t, a.Owner(), owner)

	ttl, err := rdb.PTTL(ctx, redis.KeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 5*time.Second)
}
