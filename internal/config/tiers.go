package config

import (
	"dario.cat/mergo"
	"github.com/af-corp/tierproxy/internal/catalog"
)

// Tier returns the effective settings for t: the tier's own block with any
// unset field filled from tier_defaults. Pointer fields set to a zero value
// (enabled: false, rate_limit: 0) are kept.
func (c *Config) Tier(t catalog.Tier) TierSettings {
	settings := c.Tiers[t.String()]
	if err := mergo.Merge(&settings, c.TierDefaults, mergo.WithoutDereference); err != nil {
		// Only reachable with mismatched types, which the signature rules out.
		return c.TierDefaults
	}
	return settings
}

// EnabledTiers lists the tiers whose endpoints and probes are active.
func (c *Config) EnabledTiers() []catalog.Tier {
	var out []catalog.Tier
	for _, t := range catalog.Tiers() {
		if c.Tier(t).IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}
