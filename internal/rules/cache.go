package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	platformredis "heirloom/internal/platform/redis"
)

// Cache is the read-through cache in front of the store. Writes invalidate
// immediately; entries expire after the configured TTL.
type Cache interface {
	Get(ctx context.Context, key Key) (*Rule, bool)
	Set(ctx context.Context, rule *Rule)
	Invalidate(ctx context.Context, key Key)
}

// NoopCache disables caching. Used when Redis is not configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, Key) (*Rule, bool) { return nil, false }
func (NoopCache) Set(context.Context, *Rule)             {}
func (NoopCache) Invalidate(context.Context, Key)        {}

// RedisCache caches current rule revisions in Redis. Cache errors degrade
// to store reads; they are never surfaced.
type RedisCache struct {
	client *platformredis.Client
	ttl    time.Duration
}

func NewRedisCache(client *platformredis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(key Key) string {
	return fmt.Sprintf("heirloom:rules:%s:%s", key.State, key.DocType)
}

func (c *RedisCache) Get(ctx context.Context, key Key) (*Rule, bool) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err != nil {
		return nil, false
	}
	var rule Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, false
	}
	return &rule, true
}

func (c *RedisCache) Set(ctx context.Context, rule *Rule) {
	raw, err := json.Marshal(rule)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(rule.Key), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, key Key) {
	_ = c.client.Del(ctx, cacheKey(key)).Err()
}
