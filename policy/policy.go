// Package policy implements the Policy Registry: it resolves, per provider,
// whether the provider is guarded and, if so, its network allowlist,
// filesystem permissions, and resource limits.
package policy

// Policy is the resolved, normalized access policy for one provider
// instance, handed to the Worker Program Generator and Sandbox Host.
type Policy struct {
	Guarded    bool       `json:"guarded"`
	Outbound   Outbound   `json:"outbound"`
	Filesystem Filesystem `json:"filesystem"`
	Limits     Limits     `json:"limits"`
}

// Outbound describes the network-egress rules for a provider's sandboxed
// executions. AllowedHosts is nil to mean "no host allowlist"; combined
// with AllowLocalhost=false and Guarded=true the effective behavior is "no
// egress" (§3).
type Outbound struct {
	AllowedHosts  []string `json:"allowed_hosts"`
	AllowLocalhost bool    `json:"allow_localhost"`
}

// Filesystem describes sandbox filesystem access, disabled by default.
type Filesystem struct {
	Enabled   bool     `json:"enabled"`
	ReadPaths []string `json:"read_paths"`
	WritePaths []string `json:"write_paths"`
}

// Limits bounds one execution's resource consumption.
type Limits struct {
	CPUMillis     int `json:"cpu_ms"`
	MemoryMB      int `json:"memory_mb"`
	MaxSubrequests int `json:"max_subrequests"`
}

// AllowsEgress reports whether Outbound permits any outbound request at
// all, which is what the Worker Program Generator uses to decide whether
// to install the network-egress shim.
func (p Policy) AllowsEgress() bool {
	return p.Outbound.AllowLocalhost || len(p.Outbound.AllowedHosts) > 0
}

// Security summarizes the isolation a resolved Policy actually enforced for
// one execution, reported back to the caller in ExecutionResult.metrics so
// it can confirm isolation was in effect rather than trusting it silently.
type Security struct {
	Guarded                    bool `json:"guarded"`
	NetworkIsolationEnabled    bool `json:"network_isolation_enabled"`
	FilesystemIsolationEnabled bool `json:"filesystem_isolation_enabled"`
}

// ToSecurity derives the Security summary this Policy enforces.
func (p Policy) ToSecurity() Security {
	return Security{
		Guarded:                    p.Guarded,
		NetworkIsolationEnabled:    !p.AllowsEgress(),
		FilesystemIsolationEnabled: !p.Filesystem.Enabled,
	}
}

// DefaultPolicy is the base of the policy Registry.Resolve returns for an
// unguarded provider (with Guarded overridden to false): fully isolated, no
// filesystem, generous-but-bounded resource limits.
func DefaultPolicy() Policy {
	return Policy{
		Guarded: true,
		Outbound: Outbound{
			AllowedHosts:   nil,
			AllowLocalhost: false,
		},
		Filesystem: Filesystem{Enabled: false},
		Limits: Limits{
			CPUMillis:      5000,
			MemoryMB:       128,
			MaxSubrequests: 50,
		},
	}
}
