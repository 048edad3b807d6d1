package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayCache remembers signatures that were already accepted.
type ReplayCache interface {
	// Remember stores key for ttl. It reports false when key was already
	// present and unexpired.
	Remember(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryReplayCache is a process-local ReplayCache.
type MemoryReplayCache struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

const sweepInterval = time.Minute

func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{entries: make(map[string]time.Time), now: time.Now}
}

func (c *MemoryReplayCache) Remember(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) >= sweepInterval {
		for k, exp := range c.entries {
			if !now.Before(exp) {
				delete(c.entries, k)
			}
		}
		c.lastSweep = now
	}
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.entries[key] = now.Add(ttl)
	return true, nil
}

// Len reports the number of tracked entries, expired ones included.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisReplayCache shares replay state between server instances.
type RedisReplayCache struct {
	client *redis.Client
	prefix string
}

func NewRedisReplayCache(client *redis.Client) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: "keybar:replay:"}
}

func (c *RedisReplayCache) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return retryRedisOperation(ctx, func() (bool, error) {
		return c.client.SetNX(ctx, c.prefix+key, 1, ttl).Result()
	})
}

// retryRedisOperation retries op with exponential backoff: 100ms, 200ms.
func retryRedisOperation[T any](ctx context.Context, op func() (T, error)) (T, error) {
	const maxRetries = 3
	const initialBackoff = 100 * time.Millisecond

	var lastErr error
	var zero T
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := initialBackoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
		result, err := op()
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}
	return zero, fmt.Errorf("redis operation failed after %d retries: %w", maxRetries, lastErr)
}
