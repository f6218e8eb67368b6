package policy

import (
	"strings"
	"unicode"
)

// Normalize returns a normalized copy of p: host entries are lowercased and
// have trailing dots stripped, an empty allowlist is collapsed to nil, and
// every other field is copied unchanged. Normalize is idempotent:
// Normalize(Normalize(p)) == Normalize(p).
func Normalize(p Policy) Policy {
	out := p
	out.Outbound.AllowedHosts = normalizeHosts(p.Outbound.AllowedHosts)
	return out
}

func normalizeHosts(hosts []string) []string {
	if len(hosts) == 0 {
		return nil
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		h = strings.TrimRightFunc(h, func(r rune) bool { return r == '.' || unicode.IsSpace(r) })
		if h != "" {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// HostAllowed reports whether host is permitted by allowedHosts under the
// wildcard-subdomain rule of §4.4: a literal entry matches exactly (after
// normalization); an entry of the form "*.suffix" matches any host whose
// labels end with suffix, but never the bare suffix itself. An empty or
// nil allowedHosts means "no allowlist", which HostAllowed treats as
// "nothing admitted" — callers combine this with AllowLocalhost separately.
func HostAllowed(host string, allowedHosts []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	for _, entry := range normalizeHosts(allowedHosts) {
		if strings.HasPrefix(entry, "*.") {
			suffix := entry[2:]
			if host == suffix {
				continue
			}
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// IsLoopback reports whether host names a loopback address, used by the
// fetch proxy to decide whether AllowLocalhost applies.
func IsLoopback(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	switch host {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return strings.HasPrefix(host, "127.")
}
