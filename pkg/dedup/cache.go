// Package dedup provides the processed-event cache used to make
// at-least-once event delivery idempotent. The cache is a soft guarantee:
// the durable backstop is the unique event_id constraint on transactions.
package dedup

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache records event ids that have already been applied.
type Cache interface {
	// Seen reports whether the event id was already applied.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records the event id as applied.
	Mark(ctx context.Context, eventID string) error
}

// LRUCache is a bounded in-process cache. It does not survive a restart.
type LRUCache struct {
	cache *lru.Cache[string, struct{}]
}

// NewLRU creates a bounded cache holding at most size event ids; the oldest
// ids are evicted once the bound is exceeded.
func NewLRU(size int) (*LRUCache, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: c}, nil
}

func (c *LRUCache) Seen(ctx context.Context, eventID string) (bool, error) {
	_, ok := c.cache.Get(eventID)
	return ok, nil
}

func (c *LRUCache) Mark(ctx context.Context, eventID string) error {
	c.cache.Add(eventID, struct{}{})
	return nil
}

// RedisCache keeps event ids in Redis so dedup survives process restarts.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis creates a Redis-backed cache. Keys expire after ttl.
func NewRedis(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		prefix: "settlement:event:",
	}
}

func (c *RedisCache) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+eventID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) Mark(ctx context.Context, eventID string) error {
	return c.client.Set(ctx, c.prefix+eventID, 1, c.ttl).Err()
}
