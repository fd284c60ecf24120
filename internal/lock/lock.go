// Package lock provides per-key mutual exclusion for work that must not run
// concurrently for the same account, across goroutines and processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default lock configuration values.
const (
	DefaultTTL           = 30 * time.Second
	DefaultRetryInterval = 100 * time.Millisecond
	DefaultKeyPrefix     = "lock:"
)

// ErrLockLost is returned by Unlock when the lease expired and another holder took the key.
var ErrLockLost = errors.New("lock lost before release")

// Unlock releases a held lock
type Unlock func(ctx context.Context) error

// Locker acquires a per-key lock, blocking until it is free or ctx is done.
// ttl bounds how long a crashed holder can keep the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker is a Locker backed by SET NX PX, usable across processes.
type RedisLocker struct {
	redis         redis.Cmdable
	prefix        string
	retryInterval time.Duration
}

// RedisLockerConfig holds configuration for the Redis locker.
type RedisLockerConfig struct {
	// Redis is the shared Redis client. Required.
	Redis redis.Cmdable

	// KeyPrefix namespaces lock keys. Default: "lock:".
	KeyPrefix string

	// RetryInterval is the poll interval while waiting. Default: 100ms.
	RetryInterval time.Duration
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(cfg *RedisLockerConfig) (*RedisLocker, error) {
	if cfg == nil || cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &RedisLocker{redis: cfg.Redis, prefix: prefix, retryInterval: interval}, nil
}

// Acquire blocks until key is held by this caller
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	redisKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.redis.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func(ctx context.Context) error {
				n, err := releaseScript.Run(ctx, l.redis, []string{redisKey}, token).Int64()
				if err != nil {
					return fmt.Errorf("failed to release lock %s: %w", key, err)
				}
				if n == 0 {
					return ErrLockLost
				}
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// LocalLocker is an in-process keyed mutex used when no Redis is configured.
// ttl is ignored; holders always release.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire blocks until key is held by this caller
func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (Unlock, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func(context.Context) error {
			once.Do(func() { <-ch })
			return nil
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}
}
