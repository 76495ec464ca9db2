// Package cache provides an optional Redis read-through cache for assembled
// session graphs. Share links are read-heavy; the store stays the source of
// truth and every mutation invalidates the cached graph.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 5 * time.Minute

type GraphCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewGraphCache connects to Redis and verifies the connection.
func NewGraphCache(redisURL string, ttl time.Duration) (*GraphCache, error) {
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

	return NewGraphCacheWithClient(client, ttl), nil
}

// NewGraphCacheWithClient wraps an existing Redis client.
func NewGraphCacheWithClient(client *redis.Client, ttl time.Duration) *GraphCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &GraphCache{client: client, prefix: "graph:", ttl: ttl}
}

func (c *GraphCache) key(sessionID string) string {
	return c.prefix + sessionID
}

// Get returns the cached serialized graph, or ok=false on a miss. Redis
// failures degrade to a miss: the caller falls back to the store.
func (c *GraphCache) Get(ctx context.Context, sessionID string) ([]byte, bool) {
	payload, err := c.client.Get(ctx, c.key(sessionID)).Bytes()
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Set stores the serialized graph with the cache TTL. Best effort.
func (c *GraphCache) Set(ctx context.Context, sessionID string, payload []byte) {
	_ = c.client.Set(ctx, c.key(sessionID), payload, c.ttl).Err()
}

// Invalidate drops the cached graph after any mutation.
func (c *GraphCache) Invalidate(ctx context.Context, sessionID string) {
	_ = c.client.Del(ctx, c.key(sessionID)).Err()
}

func (c *GraphCache) Close() error {
	return c.client.Close()
}

func (c *GraphCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
