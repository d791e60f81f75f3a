package stocksvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "stockdash:"

// ResponseCache stores encoded responses in Redis with a TTL. A nil
// *ResponseCache is a permanent miss.
type ResponseCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResponseCache connects to Redis at addr and pings it.
func NewResponseCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*ResponseCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &ResponseCache{rdb: rdb, ttl: ttl}, nil
}

// Close closes the Redis client.
func (c *ResponseCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

// Get decodes the cached value for key into out and reports whether it was
// found. Redis errors count as a miss.
func (c *ResponseCache) Get(ctx context.Context, key string, out any) bool {
	if c == nil {
		return false
	}
	b, err := c.rdb.Get(ctx, cachePrefix+key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

// Set stores v under key for the cache TTL.
func (c *ResponseCache) Set(ctx context.Context, key string, v any) error {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cachePrefix+key, b, c.ttl).Err()
}

// Clear deletes every key this cache wrote.
func (c *ResponseCache) Clear(ctx context.Context) error {
	if c == nil {
		return nil
	}
	iter := c.rdb.Scan(ctx, 0, cachePrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
