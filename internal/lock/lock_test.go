package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := NewRedisLocker(&RedisLockerConfig{Redis: client, RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	return locker, mr
}

func TestNewRedisLocker_RequiresClient(t *testing.T) {
	_, err := NewRedisLocker(&RedisLockerConfig{})
	assert.Error(t, err)

	_, err = NewRedisLocker(nil)
	assert.Error(t, err)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	locker, mr := setupRedisLocker(t)
	ctx := context.Background()

	unlock, err := locker.Acquire(ctx, "cred:yt_main", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:cred:yt_main"))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, "cred:yt_main", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := locker.Acquire(ctx, "cred:yt_alt", time.Minute)
	require.NoError(t, err, "different keys do not contend")
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("lock:cred:yt_main"))

	again, err := locker.Acquire(ctx, "cred:yt_main", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLocker_ExpiredLeaseDoesNotReleaseNewHolder(t *testing.T) {
	locker, mr := setupRedisLocker(t)
	ctx := context.Background()

	first, err := locker.Acquire(ctx, "cred:yt_main", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	second, err := locker.Acquire(ctx, "cred:yt_main", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, first(ctx), ErrLockLost)
	assert.True(t, mr.Exists("lock:cred:yt_main"), "second holder keeps the key")

	require.NoError(t, second(ctx))
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	locker, _ := setupRedisLocker(t)
	ctx := context.Background()

	unlock, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := locker.Acquire(ctx, "k", time.Minute)
		if err == nil {
			_ = u(ctx)
		}
		close(acquired)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, unlock(ctx))

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Acquire(ctx, "yt_main", 0)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, unlock(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	unlock, err := locker.Acquire(ctx, "k", 0)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, "k", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx), "double unlock is harmless")

	u, err := locker.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	require.NoError(t, u(ctx))
}
