package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLocker(rdb, "test:lock:", 5*time.Second), mr
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	l1 := locker.NewLock("job")
	ok, err := l1.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:lock:job"))

	l2 := locker.NewLock("job")
	ok, err = l2.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 非持有者无法释放
	assert.ErrorIs(t, l2.Release(ctx), ErrLockNotHeld)
	require.NoError(t, l1.Release(ctx))
	assert.False(t, mr.Exists("test:lock:job"))
}

func TestRedisLock_Expires(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	ok, err := locker.NewLock("k").Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	ok, err = locker.NewLock("k").Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Extend(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	l := locker.NewLock("ext")
	_, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, l.Extend(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("test:lock:ext"))
}

func TestRedisLocker_WithLock(t *testing.T) {
	locker, _ := setupLocker(t)
	ctx := context.Background()

	ran := false
	err := locker.WithLock(ctx, "w", func(ctx context.Context) error {
		ran = true
		// 持有期间第二次获取失败
		inner := locker.WithLock(ctx, "w", func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockAcquireFailed)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// 释放后可再次获取
	assert.NoError(t, locker.WithLockRetry(ctx, "w", 10*time.Millisecond, 2, func(context.Context) error { return nil }))
}
