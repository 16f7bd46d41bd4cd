// Package cache provides the Redis-backed page cache and the revalidation
// signal mutations publish for the presentation layer.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevalidateChannel carries the render paths invalidated by mutations. The
// presentation layer subscribes and re-renders the affected pages.
const RevalidateChannel = "loom:revalidate"

// RedisCache caches rendered page payloads keyed by render path and fans out
// invalidation signals.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "page:", ttl: ttl}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "page:", ttl: ttl}
}

func (c *RedisCache) key(path string) string {
	return c.prefix + path
}

// GetPage returns the cached payload for a render path, or ok=false on a miss.
func (c *RedisCache) GetPage(ctx context.Context, path string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.key(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached page: %w", err)
	}
	return payload, true, nil
}

// SetPage stores a rendered payload for a render path.
func (c *RedisCache) SetPage(ctx context.Context, path string, payload []byte) error {
	if err := c.client.Set(ctx, c.key(path), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache page: %w", err)
	}
	return nil
}

// Invalidate drops the cached payload for a render path and publishes the
// path on the revalidation channel.
func (c *RedisCache) Invalidate(ctx context.Context, path string) error {
	if err := c.client.Del(ctx, c.key(path)).Err(); err != nil {
		return fmt.Errorf("invalidate page: %w", err)
	}
	if err := c.client.Publish(ctx, RevalidateChannel, path).Err(); err != nil {
		return fmt.Errorf("publish revalidation: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
