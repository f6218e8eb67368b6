package schemacache

import (
	"context"
	"time"

	"github.com/goadesign/toolgate/provider"
)

// DefaultTTL bounds how long a memory-tier entry is trusted before a fresh
// persistent-tier (or provider) lookup is required.
const DefaultTTL = 15 * time.Minute

// TwoTier composes a memory Cache in front of an optional PersistentStore,
// implementing the read/write rules of §4.3. Persistent may be nil, in
// which case TwoTier behaves as a plain memory cache — this is the
// configuration used when no persistence backend (Mongo) is wired.
type TwoTier struct {
	Memory     HotTier
	Persistent PersistentStore
	TTL        time.Duration
}

// NewTwoTier constructs a TwoTier cache. persistent may be nil.
func NewTwoTier(persistent PersistentStore) *TwoTier {
	return &TwoTier{Memory: NewMemoryCache(), Persistent: persistent, TTL: DefaultTTL}
}

// Lookup resolves key against the memory tier, falling through to the
// persistent tier on a miss or a zero-tool hit for a URL-based provider.
// A stale zero-tool persistent entry is purged rather than promoted.
func (t *TwoTier) Lookup(ctx context.Context, key string, cfg provider.Config) (*CachedSchema, error) {
	mem, err := t.Memory.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if mem != nil && !(cfg.IsURL() && len(mem.Tools) == 0) {
		return mem, nil
	}
	if t.Persistent == nil {
		return mem, nil
	}
	persisted, err := t.Persistent.Get(ctx, key)
	if err != nil {
		return mem, err
	}
	if persisted == nil {
		return mem, nil
	}
	if len(persisted.Tools) == 0 {
		_ = t.Persistent.Delete(ctx, key)
		return mem, nil
	}
	_ = t.Memory.Set(ctx, key, persisted, t.TTL)
	return persisted, nil
}

// Store writes schema into the memory tier unconditionally, and into the
// persistent tier only when IsPersistable allows it.
func (t *TwoTier) Store(ctx context.Context, key string, schema *CachedSchema, cfg provider.Config) error {
	if err := t.Memory.Set(ctx, key, schema, t.TTL); err != nil {
		return err
	}
	if t.Persistent == nil || !IsPersistable(schema, cfg) {
		return nil
	}
	return t.Persistent.Put(ctx, key, schema)
}

// InvalidateProvider purges both tiers of every entry belonging to
// providerName, used by unload_provider.
func (t *TwoTier) InvalidateProvider(ctx context.Context, providerName string) error {
	if err := t.Memory.DeleteByProvider(ctx, providerName); err != nil {
		return err
	}
	if t.Persistent == nil {
		return nil
	}
	return t.Persistent.DeleteByProvider(ctx, providerName)
}

// ListPersistedByProvider returns every persisted schema for providerName
// for operator diagnostics, or nil if no persistent tier is wired or the
// wired tier doesn't implement SchemaLister.
func (t *TwoTier) ListPersistedByProvider(ctx context.Context, providerName string) ([]*CachedSchema, error) {
	lister, ok := t.Persistent.(SchemaLister)
	if !ok {
		return nil, nil
	}
	return lister.ListByProvider(ctx, providerName)
}
