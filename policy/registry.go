package policy

// Options configures the Registry.
type Options struct {
	// Settings is the loaded settings document. Callers typically obtain
	// this via LoadSettings before constructing the Registry.
	Settings Settings
}

// Registry resolves a provider name to a Policy by looking up the loaded
// settings document. A provider is guarded only if the top-level guard
// switch is on AND an entry for the provider exists with its own guarded
// flag set (§4.4).
type Registry struct {
	enabled  bool
	defaults Policy
	entries  map[string]Policy
	guards   map[string]bool
}

// New builds a Registry from opts. The settings document is translated to
// internal Policy values once, at construction, so Resolve is a cheap map
// lookup.
func New(opts Options) *Registry {
	r := &Registry{
		enabled:  opts.Settings.Enabled,
		defaults: fromDefaults(opts.Settings.Defaults),
		entries:  make(map[string]Policy),
		guards:   make(map[string]bool),
	}
	for _, entry := range opts.Settings.MCPConfigs {
		r.entries[entry.MCPName] = fromEntry(entry)
		r.guards[entry.MCPName] = entry.IsGuarded
	}
	return r
}

// Resolve returns the effective Policy for providerName. When the guard
// switch is off, or no entry names providerName, the provider resolves
// unguarded with full-isolation defaults (DefaultPolicy, Guarded=false
// overridden below) — an unguarded provider's sandbox still runs with no
// ambient egress; "unguarded" here means the registry does not apply any
// settings-driven relaxation, not that sandboxing itself is skipped.
func (r *Registry) Resolve(providerName string) Policy {
	if !r.enabled {
		return Normalize(unguardedDefault())
	}
	entry, ok := r.entries[providerName]
	if !ok || !r.guards[providerName] {
		return Normalize(unguardedDefault())
	}
	return Normalize(entry)
}

func unguardedDefault() Policy {
	p := DefaultPolicy()
	p.Guarded = false
	return p
}

func fromDefaults(d SettingsDefaults) Policy {
	return Policy{
		Guarded: true,
		Outbound: Outbound{
			AllowedHosts:   allowlistOrNil(d.Network),
			AllowLocalhost: d.Network.Enabled && d.Network.AllowLocalhost,
		},
		Filesystem: Filesystem{
			Enabled:    d.FileSystem.Enabled,
			ReadPaths:  d.FileSystem.ReadPaths,
			WritePaths: d.FileSystem.WritePaths,
		},
		Limits: Limits{
			CPUMillis:      d.ResourceLimits.MaxExecutionTimeMs,
			MemoryMB:       d.ResourceLimits.MaxMemoryMB,
			MaxSubrequests: d.ResourceLimits.MaxMCPCalls,
		},
	}
}

func fromEntry(e MCPConfigEntry) Policy {
	return Policy{
		Guarded: e.IsGuarded,
		Outbound: Outbound{
			AllowedHosts:   allowlistOrNil(e.Network),
			AllowLocalhost: e.Network.Enabled && e.Network.AllowLocalhost,
		},
		Filesystem: Filesystem{
			Enabled:    e.FileSystem.Enabled,
			ReadPaths:  e.FileSystem.ReadPaths,
			WritePaths: e.FileSystem.WritePaths,
		},
		Limits: Limits{
			CPUMillis:      e.ResourceLimits.MaxExecutionTimeMs,
			MemoryMB:       e.ResourceLimits.MaxMemoryMB,
			MaxSubrequests: e.ResourceLimits.MaxMCPCalls,
		},
	}
}

// allowlistOrNil implements the "allowed_hosts becomes null when the
// feature is disabled or the list is empty" normalization rule.
func allowlistOrNil(n NetworkSettings) []string {
	if !n.Enabled || len(n.Allowlist) == 0 {
		return nil
	}
	return n.Allowlist
}
