package schemacache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is an alternative memory-tier backend that implements Cache
// directly against Redis instead of an in-process map. It exists for
// gateway deployments that run the Supervisor as multiple processes
// sharing one memory tier; it is not a required third tier on top of
// MemoryCache and PersistentStore, just a drop-in replacement for
// MemoryCache in that configuration.
type RedisCache struct {
	client *redis.Client
	prefix string
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps client. Keys are namespaced under prefix + ":" to
// avoid collisions with other data the same Redis instance may hold.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "toolgate:schema"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) redisKey(key string) string {
	return c.prefix + ":" + key
}

// Get retrieves a cached schema by key. A missing or expired key returns
// nil, nil, matching MemoryCache's contract.
func (c *RedisCache) Get(ctx context.Context, key string) (*CachedSchema, error) {
	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get schema %q: %w", key, err)
	}
	var schema CachedSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("redis decode schema %q: %w", key, err)
	}
	return &schema, nil
}

// Set stores schema under key with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, schema *CachedSchema, ttl time.Duration) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("redis encode schema %q: %w", key, err)
	}
	if err := c.client.Set(ctx, c.redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set schema %q: %w", key, err)
	}
	return nil
}

// Delete removes a cached entry. Deleting an absent key is not an error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete schema %q: %w", key, err)
	}
	return nil
}

// DeleteByProvider scans for and removes every key belonging to
// providerName. Redis has no native prefix-delete, so this issues a SCAN
// with a glob pattern rather than KEYS, to avoid blocking the server on a
// large keyspace.
func (c *RedisCache) DeleteByProvider(ctx context.Context, providerName string) error {
	pattern := c.redisKey(providerName) + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan provider %q: %w", providerName, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete provider %q entries: %w", providerName, err)
	}
	return nil
}
