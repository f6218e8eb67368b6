package schemacache

import (
	"context"
	"sync"
	"time"
)

// Cache is the tier-agnostic storage contract. The Supervisor talks to the
// memory tier through this interface; the persistent tier satisfies a
// narrower PersistentStore contract (see persistent.go) since it is never
// asked to hold a background-refresh loop.
type Cache interface {
	Get(ctx context.Context, key string) (*CachedSchema, error)
	Set(ctx context.Context, key string, schema *CachedSchema, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// HotTier extends Cache with the bulk-delete-by-provider operation
// unload_provider needs. Both MemoryCache and RedisCache satisfy it, so
// TwoTier's in-process tier can be swapped for the Redis-backed one in a
// multi-process deployment without changing TwoTier itself.
type HotTier interface {
	Cache
	DeleteByProvider(ctx context.Context, providerName string) error
}

var _ HotTier = (*MemoryCache)(nil)

// MemoryCache is an in-memory cache with TTL support. Entries never
// background-refresh themselves against a live provider: refreshing a
// schema means re-running schema discovery through the Supervisor, not
// blindly re-fetching on a timer, so MemoryCache omits the teacher's
// RefreshFunc machinery: an entry simply stops being returned once its TTL
// has passed.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	schema    *CachedSchema
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*memoryEntry)}
}

// Get retrieves a cached schema by key. A nil, nil return means "not
// cached or expired"; it is not an error condition.
func (c *MemoryCache) Get(_ context.Context, key string) (*CachedSchema, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, nil
	}
	return entry.schema, nil
}

// Set stores schema with the given TTL, replacing any existing entry.
func (c *MemoryCache) Set(_ context.Context, key string, schema *CachedSchema, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryEntry{schema: schema, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a cached entry. Deleting an absent key is not an error.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// DeleteByProvider purges every memory-tier entry for providerName
// regardless of config hash, used by unload_provider.
func (c *MemoryCache) DeleteByProvider(_ context.Context, providerName string) error {
	prefix := providerName + ":"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
	return nil
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memoryEntry)
}

// Len returns the number of entries currently cached.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
