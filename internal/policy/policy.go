package policy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// DestinationPolicy controls which publish destinations are accepted.
//
// Evaluation order:
//  1. Scheme allowlist
//  2. Host denylist
//  3. Host allowlist (if configured), otherwise DefaultAllow
//
// Deny rules always override allow rules.
type DestinationPolicy struct {
	// DefaultAllow is the implicit decision when no host allowlist is
	// configured.
	//
	//   - production preset: false (deny by default)
	//   - dev preset: true (allow by default)
	DefaultAllow bool

	// AllowSchemes lists accepted URL schemes, lowercase. Empty means the
	// built-in default of rtmp and rtmps (the two ingest transport variants,
	// differing only in encryption).
	AllowSchemes []string

	// AllowHosts and DenyHosts match the destination's hostname (no port),
	// case-insensitively. A leading "*." entry matches any subdomain.
	AllowHosts []string
	DenyHosts  []string
}

var defaultSchemes = []string{"rtmp", "rtmps"}

func NewProductionPolicy() *DestinationPolicy {
	return &DestinationPolicy{DefaultAllow: false}
}

func NewDevPolicy() *DestinationPolicy {
	return &DestinationPolicy{DefaultAllow: true}
}

// NewPolicyFromEnv builds a DestinationPolicy from environment variables:
//
//   - DESTINATION_POLICY_PRESET: "prod" (default) or "dev"
//   - ALLOW_DESTINATION_SCHEMES: comma-separated schemes
//   - ALLOW_DESTINATION_HOSTS: comma-separated hostnames ("*." prefix allowed)
//   - DENY_DESTINATION_HOSTS: comma-separated hostnames
func NewPolicyFromEnv() (*DestinationPolicy, error) {
	preset := strings.ToLower(strings.TrimSpace(os.Getenv("DESTINATION_POLICY_PRESET")))
	var p *DestinationPolicy
	switch preset {
	case "", "prod", "production":
		p = NewProductionPolicy()
	case "dev", "development":
		p = NewDevPolicy()
	default:
		return nil, fmt.Errorf("destination policy: unknown DESTINATION_POLICY_PRESET %q", preset)
	}

	if v := strings.TrimSpace(os.Getenv("ALLOW_DESTINATION_SCHEMES")); v != "" {
		p.AllowSchemes = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("ALLOW_DESTINATION_HOSTS")); v != "" {
		p.AllowHosts = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("DENY_DESTINATION_HOSTS")); v != "" {
		p.DenyHosts = splitList(v)
	}
	return p, nil
}

// AllowDestination returns nil when the raw destination address may be handed
// to the external process. It never mutates the destination; the relay passes
// the original string through on success.
func (p *DestinationPolicy) AllowDestination(raw string) error {
	if p == nil {
		return fmt.Errorf("destination policy: nil")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("destination policy: unparseable destination: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !containsString(p.schemes(), scheme) {
		return fmt.Errorf("destination policy: scheme %q not allowed", scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("destination policy: destination has no host")
	}

	if matchesHostList(host, p.DenyHosts) {
		return fmt.Errorf("destination policy: host %q denied", host)
	}
	if len(p.AllowHosts) > 0 {
		if matchesHostList(host, p.AllowHosts) {
			return nil
		}
		return fmt.Errorf("destination policy: host %q not in allowlist", host)
	}
	if p.DefaultAllow {
		return nil
	}
	return fmt.Errorf("destination policy: host %q denied by default (no allowlist configured)", host)
}

// Open reports whether the policy would accept arbitrary hosts. Used for
// startup warnings only.
func (p *DestinationPolicy) Open() bool {
	return p != nil && p.DefaultAllow && len(p.AllowHosts) == 0
}

func (p *DestinationPolicy) schemes() []string {
	if len(p.AllowSchemes) > 0 {
		return p.AllowSchemes
	}
	return defaultSchemes
}

func matchesHostList(host string, list []string) bool {
	for _, entry := range list {
		entry = strings.ToLower(entry)
		if entry == host {
			return true
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, entry := range list {
		if entry == s {
			return true
		}
	}
	return false
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.ToLower(strings.TrimSpace(part)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
