package reclaimer

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Locker serializes sweeps across a horizontally-scaled fleet. The sweep is
// idempotent, so the lock is an efficiency measure, not a correctness one.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RedisLocker implements Locker with SetNX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker constructs the locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryLock attempts to take the named lock.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reclaim lock: acquire: %w", err)
	}
	return ok, nil
}

// Unlock releases the named lock.
func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("reclaim lock: release: %w", err)
	}
	return nil
}

func (l *RedisLocker) key(key string) string {
	return "dispatch:lock:" + key
}
