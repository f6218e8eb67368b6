package schemacache

import "context"

// PersistentStore is the contract for the durable tier: a keyed document
// store addressed by the same "{provider_name}:{config_hash}" key used by
// the memory tier. Implementations must treat entries as immutable except
// for whole-entry replacement.
type PersistentStore interface {
	Get(ctx context.Context, key string) (*CachedSchema, error)
	Put(ctx context.Context, key string, schema *CachedSchema) error
	Delete(ctx context.Context, key string) error
	DeleteByProvider(ctx context.Context, providerName string) error
}

// SchemaLister is an optional capability a PersistentStore may implement:
// listing every persisted schema for a provider without deleting them, for
// operator diagnostics. MongoStore implements it.
type SchemaLister interface {
	ListByProvider(ctx context.Context, providerName string) ([]*CachedSchema, error)
}
