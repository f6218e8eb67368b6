// Package provider implements the Provider Connector: it opens a client
// session to a tool-provider server over a child-process stdio transport or
// a streamable HTTP transport, discovers its tools and prompts, and forwards
// tool invocations. This is the component the rest of the gateway addresses
// as "the connector" for a loaded provider instance.
package provider

import "encoding/json"

// Config is the tagged union describing how to reach a provider: either a
// command to launch as a child process, or a URL to open an HTTP session
// against. Exactly one of Command or URL must be set. Config is used
// verbatim to open a session and contributes to the schema cache key, so it
// must serialize deterministically.
type Config struct {
	// Command-based fields.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// URL-based fields.
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// IsCommand reports whether the config describes a command-based provider.
func (c Config) IsCommand() bool { return c.Command != "" }

// IsURL reports whether the config describes a URL-based provider.
func (c Config) IsURL() bool { return c.URL != "" }

// ToolDescriptor describes a single tool exposed by a provider. Tool names
// may contain punctuation and are always treated as opaque strings at the
// protocol layer; they are mechanically sanitized wherever they are
// synthesized into a worker program (see the workergen package).
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// PromptDescriptor describes a prompt a provider exposes for pass-through
// discovery. The gateway does not interpret prompt arguments; it only
// relays them.
type PromptDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Arguments   []PromptArgumentSpec `json:"arguments,omitempty"`
}

// PromptArgumentSpec describes one named argument a prompt accepts.
type PromptArgumentSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}
