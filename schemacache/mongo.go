package schemacache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/goadesign/toolgate/provider"
)

// MongoStore is a MongoDB implementation of PersistentStore. It persists
// CachedSchema documents keyed by the same "{provider_name}:{config_hash}"
// string the memory tier uses, so durability survives process restarts
// without a separate index scheme. It also satisfies health.Pinger so an
// embedding service can wire the persistent tier into its own readiness
// checks.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var (
	_ PersistentStore = (*MongoStore)(nil)
	_ health.Pinger   = (*MongoStore)(nil)
)

const mongoStoreName = "toolgate-schema-mongo"

// Name implements health.Pinger.
func (s *MongoStore) Name() string { return mongoStoreName }

// Ping implements health.Pinger.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// schemaDocument is the MongoDB document representation of a CachedSchema.
type schemaDocument struct {
	Key          string                       `bson:"_id"`
	ProviderName string                       `bson:"provider_name"`
	ConfigHash   string                       `bson:"config_hash"`
	Tools        []toolDocument               `bson:"tools,omitempty"`
	Prompts      []provider.PromptDescriptor  `bson:"prompts,omitempty"`
	TypedAPIText string                       `bson:"typed_api_text"`
	CachedAt     int64                        `bson:"cached_at"`
}

type toolDocument struct {
	Name          string `bson:"name"`
	Description   string `bson:"description,omitempty"`
	InputSchema   []byte `bson:"input_schema"`
}

// NewMongoStore creates a new MongoDB-backed persistent tier using the
// provided client and collection. This package does not manage the
// client's connection lifecycle; the caller owns Connect/Disconnect.
func NewMongoStore(client *mongo.Client, collection *mongo.Collection) *MongoStore {
	return &MongoStore{client: client, collection: collection}
}

// Get retrieves a CachedSchema by key from MongoDB.
func (s *MongoStore) Get(ctx context.Context, key string) (*CachedSchema, error) {
	var doc schemaDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongodb get schema %q: %w", key, err)
	}
	return fromSchemaDocument(&doc), nil
}

// Put stores or replaces a CachedSchema in MongoDB.
func (s *MongoStore) Put(ctx context.Context, key string, schema *CachedSchema) error {
	doc := toSchemaDocument(key, schema)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, doc, opts)
	if err != nil {
		return fmt.Errorf("mongodb put schema %q: %w", key, err)
	}
	return nil
}

// Delete removes a cached entry by key. Deleting an absent key is not an
// error, matching the memory tier's semantics.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("mongodb delete schema %q: %w", key, err)
	}
	return nil
}

// DeleteByProvider removes every entry whose key belongs to providerName,
// regardless of config hash.
func (s *MongoStore) DeleteByProvider(ctx context.Context, providerName string) error {
	_, err := s.collection.DeleteMany(ctx, bson.M{"provider_name": providerName})
	if err != nil {
		return fmt.Errorf("mongodb delete schemas for provider %q: %w", providerName, err)
	}
	return nil
}

func toSchemaDocument(key string, schema *CachedSchema) schemaDocument {
	tools := make([]toolDocument, len(schema.Tools))
	for i, t := range schema.Tools {
		tools[i] = toolDocument{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return schemaDocument{
		Key:          key,
		ProviderName: schema.ProviderName,
		ConfigHash:   schema.ConfigHash,
		Tools:        tools,
		Prompts:      schema.Prompts,
		TypedAPIText: schema.TypedAPIText,
		CachedAt:     schema.CachedAt,
	}
}

func fromSchemaDocument(doc *schemaDocument) *CachedSchema {
	tools := make([]provider.ToolDescriptor, len(doc.Tools))
	for i, t := range doc.Tools {
		tools[i] = provider.ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return &CachedSchema{
		ProviderName: doc.ProviderName,
		ConfigHash:   doc.ConfigHash,
		Tools:        tools,
		Prompts:      doc.Prompts,
		TypedAPIText: doc.TypedAPIText,
		CachedAt:     doc.CachedAt,
	}
}

// escapeRegex neutralizes regex metacharacters in a provider name before
// it is interpolated into ListByProvider's $regex query.
func escapeRegex(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`, `.`, `\.`, `+`, `\+`, `*`, `\*`, `?`, `\?`,
		`(`, `\(`, `)`, `\)`, `[`, `\[`, `]`, `\]`, `{`, `\{`, `}`, `\}`,
		`^`, `\^`, `$`, `\$`, `|`, `\|`,
	)
	return replacer.Replace(s)
}

// ListByProvider implements SchemaLister: it returns every persisted schema
// for providerName, used by operator diagnostics. It is not part of the
// PersistentStore contract itself.
func (s *MongoStore) ListByProvider(ctx context.Context, providerName string) ([]*CachedSchema, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"provider_name": bson.M{"$regex": "^" + escapeRegex(providerName) + "$"}})
	if err != nil {
		return nil, fmt.Errorf("mongodb list schemas for provider %q: %w", providerName, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []schemaDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list schemas decode: %w", err)
	}
	result := make([]*CachedSchema, len(docs))
	for i, doc := range docs {
		result[i] = fromSchemaDocument(&doc)
	}
	return result, nil
}
