// Package schemacache implements the two-tier Schema Cache: an in-memory
// mapping from cache key to CachedSchema, backed by an optional persistent
// tier addressed by (provider_name, config_hash) that survives process
// restarts.
package schemacache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/goadesign/toolgate/provider"
)

// CachedSchema is the unit of storage for both cache tiers.
type CachedSchema struct {
	ProviderName string                     `json:"provider_name" bson:"provider_name"`
	ConfigHash   string                     `json:"config_hash" bson:"config_hash"`
	Tools        []provider.ToolDescriptor  `json:"tools" bson:"tools"`
	Prompts      []provider.PromptDescriptor `json:"prompts" bson:"prompts"`
	TypedAPIText string                     `json:"typed_api_text" bson:"typed_api_text"`
	CachedAt     int64                      `json:"cached_at" bson:"cached_at"`
}

// ConfigHash returns the first 16 hex digits of a strong digest over
// providerName and cfg serialized canonically. Canonicalization here means
// marshaling a struct whose fields are emitted in a stable, explicit order
// rather than depending on map iteration order.
func ConfigHash(providerName string, cfg provider.Config) string {
	canonical := canonicalConfig{
		ProviderName: providerName,
		Command:      cfg.Command,
		Args:         cfg.Args,
		Env:          sortedStrings(cfg.Env),
		URL:          cfg.URL,
		Headers:      sortedHeaderPairs(cfg.Headers),
	}
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Key returns the cache key for providerName/cfg: "{provider_name}:{hash}".
func Key(providerName string, cfg provider.Config) string {
	return providerName + ":" + ConfigHash(providerName, cfg)
}

type canonicalConfig struct {
	ProviderName string     `json:"provider_name"`
	Command      string     `json:"command,omitempty"`
	Args         []string   `json:"args,omitempty"`
	Env          []string   `json:"env,omitempty"`
	URL          string     `json:"url,omitempty"`
	Headers      []kvPair   `json:"headers,omitempty"`
}

type kvPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func sortedStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func sortedHeaderPairs(headers map[string]string) []kvPair {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kvPair, 0, len(headers))
	for k, v := range headers {
		out = append(out, kvPair{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// IsPersistable reports whether schema qualifies for persistent-tier
// storage under the invariant in §3: zero-tool URL-based results are
// ephemeral (they usually signal auth failure), but a zero-tool
// command-based result is a legitimate terminal state and is persisted.
func IsPersistable(schema *CachedSchema, cfg provider.Config) bool {
	if len(schema.Tools) > 0 {
		return true
	}
	return cfg.IsCommand()
}
