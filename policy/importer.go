package policy

import (
	"encoding/json"

	"github.com/goadesign/toolgate/provider"
)

// MCPServerEntry is one entry of an imported provider launch-config
// document's "mcpServers" map: a command-based or url-based provider
// config, matching provider.Config's tagged union.
type MCPServerEntry struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ToProviderConfig converts an imported entry into a provider.Config.
func (e MCPServerEntry) ToProviderConfig() provider.Config {
	return provider.Config{
		Command: e.Command,
		Args:    e.Args,
		Env:     flattenEnv(e.Env),
		URL:     e.URL,
		Headers: e.Headers,
	}
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// MCPConfigDocument is the shape described in §6: a named map of server
// configs, plus a sibling "_disabled" section of configs that should only
// ever be reachable through this gateway (never launched directly by the
// importing client).
type MCPConfigDocument struct {
	MCPServers map[string]MCPServerEntry `json:"mcpServers"`
	Disabled   map[string]MCPServerEntry `json:"_disabled"`
}

// ImportedProvider pairs a provider name with its launch config and
// whether it was sourced from the "_disabled" section.
type ImportedProvider struct {
	Name     string
	Config   provider.Config
	Disabled bool
}

// ImportMCPConfigs parses an MCPConfigDocument from raw JSON and returns
// every provider it names, federated in the same spirit as the registry
// manager's multi-RegistryClient merge: later documents in a multi-document
// import win on name collision, letting an org-managed config layer over a
// user config without the core Supervisor API knowing about merge order.
func ImportMCPConfigs(raw json.RawMessage) ([]ImportedProvider, error) {
	var doc MCPConfigDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make([]ImportedProvider, 0, len(doc.MCPServers)+len(doc.Disabled))
	for name, entry := range doc.MCPServers {
		out = append(out, ImportedProvider{Name: name, Config: entry.ToProviderConfig()})
	}
	for name, entry := range doc.Disabled {
		out = append(out, ImportedProvider{Name: name, Config: entry.ToProviderConfig(), Disabled: true})
	}
	return out, nil
}

// MergeImports federates multiple parsed documents into one provider-name
// keyed map, later documents winning on collision.
func MergeImports(docs ...[]ImportedProvider) map[string]ImportedProvider {
	merged := make(map[string]ImportedProvider)
	for _, providers := range docs {
		for _, p := range providers {
			merged[p.Name] = p
		}
	}
	return merged
}
