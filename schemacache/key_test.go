package schemacache

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/toolgate/provider"
)

func TestConfigHashStable(t *testing.T) {
	cfg := provider.Config{Command: "npx", Args: []string{"-y", "server"}, Env: []string{"A=1", "B=2"}}
	h1 := ConfigHash("search", cfg)
	h2 := ConfigHash("search", cfg)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 16)
}

func TestConfigHashOrderIndependentEnv(t *testing.T) {
	cfg1 := provider.Config{Command: "x", Env: []string{"A=1", "B=2"}}
	cfg2 := provider.Config{Command: "x", Env: []string{"B=2", "A=1"}}
	require.Equal(t, ConfigHash("p", cfg1), ConfigHash("p", cfg2))
}

func TestConfigHashDiffersByProviderName(t *testing.T) {
	cfg := provider.Config{Command: "x"}
	require.NotEqual(t, ConfigHash("a", cfg), ConfigHash("b", cfg))
}

// TestConfigHashStabilityProperty is the §8 testable property: config-hash
// stability — computing the key for the same (provider name, config) pair
// twice always yields the same key, and the key starts with "name:".
// Env-order independence is covered by TestConfigHashOrderIndependentEnv.
func TestConfigHashStabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hashing is deterministic and key embeds provider name", prop.ForAll(
		func(name, command string, args []string) bool {
			cfg := provider.Config{Command: command, Args: args}
			key1 := Key(name, cfg)
			key2 := Key(name, cfg)
			if key1 != key2 {
				return false
			}
			return len(key1) > len(name)+1 && key1[:len(name)+1] == name+":"
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
