package catalog

import (
	"fmt"
	"strings"
)

// Capability is a feature a client can require when listing models.
type Capability string

const (
	CapTools             Capability = "tools"
	CapToolChoice        Capability = "tool_choice"
	CapParallelToolCalls Capability = "parallel_tool_calls"
	CapJSONMode          Capability = "json_mode"
	CapStreaming         Capability = "streaming"
	CapVision            Capability = "vision"
)

var knownCapabilities = map[Capability]struct{}{
	CapTools:             {},
	CapToolChoice:        {},
	CapParallelToolCalls: {},
	CapJSONMode:          {},
	CapStreaming:         {},
	CapVision:            {},
}

// CapabilitySet is an unordered set of required capabilities.
type CapabilitySet map[Capability]struct{}

// ParseCapabilities parses a comma-separated list such as "tools,vision".
// Blank entries are skipped; unknown names are an error.
func ParseCapabilities(s string) (CapabilitySet, error) {
	set := make(CapabilitySet)
	for _, part := range strings.Split(s, ",") {
		name := Capability(strings.ToLower(strings.TrimSpace(part)))
		if name == "" {
			continue
		}
		if _, ok := knownCapabilities[name]; !ok {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		set[name] = struct{}{}
	}
	return set, nil
}

// Matches reports whether caps declares every capability in the set.
func (s CapabilitySet) Matches(caps Capabilities) bool {
	for c := range s {
		if !caps.Has(c) {
			return false
		}
	}
	return true
}

// FilterByCapabilities returns the entries declaring all requested
// capabilities, preserving order. An empty set returns entries unchanged.
func FilterByCapabilities(entries []Entry, set CapabilitySet) []Entry {
	if len(set) == 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if set.Matches(e.Descriptor.Capabilities()) {
			out = append(out, e)
		}
	}
	return out
}
