package catalog

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Descriptor is a model record as published by the upstream catalog.
// Descriptors are treated as immutable once fetched.
type Descriptor struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Created             int64         `json:"created"`
	Description         string        `json:"description,omitempty"`
	ContextLength       *int64        `json:"context_length,omitempty"`
	Pricing             *Pricing      `json:"pricing,omitempty"`
	Architecture        *Architecture `json:"architecture,omitempty"`
	TopProvider         *TopProvider  `json:"top_provider,omitempty"`
	SupportedParameters []string      `json:"supported_parameters,omitempty"`

	// Cloaked is an optional visibility flag. Most upstreams never send it.
	Cloaked *bool `json:"cloaked,omitempty"`
}

// Pricing holds per-unit prices as decimal strings, exactly as sent upstream.
type Pricing struct {
	Prompt     string `json:"prompt,omitempty"`
	Completion string `json:"completion,omitempty"`
	Request    string `json:"request,omitempty"`
	Image      string `json:"image,omitempty"`
}

type Architecture struct {
	Modality     string `json:"modality,omitempty"`
	Tokenizer    string `json:"tokenizer,omitempty"`
	InstructType string `json:"instruct_type,omitempty"`
}

type TopProvider struct {
	ContextLength       *int64 `json:"context_length,omitempty"`
	MaxCompletionTokens *int64 `json:"max_completion_tokens,omitempty"`
	IsModerated         *bool  `json:"is_moderated,omitempty"`
}

// HasParam reports whether the model lists name among its supported request parameters.
func (d Descriptor) HasParam(name string) bool {
	for _, p := range d.SupportedParameters {
		if p == name {
			return true
		}
	}
	return false
}

// SupportsVision reports whether the input modality includes images.
func (d Descriptor) SupportsVision() bool {
	return d.Architecture != nil && strings.Contains(d.Architecture.Modality, "image")
}

// Capabilities derives the declared capability flags.
func (d Descriptor) Capabilities() Capabilities {
	return Capabilities{
		Tools:             d.HasParam("tools"),
		ToolChoice:        d.HasParam("tool_choice"),
		ParallelToolCalls: d.HasParam("parallel_tool_calls"),
		JSONMode:          d.HasParam("response_format"),
		Streaming:         d.HasParam("stream"),
		Vision:            d.SupportsVision(),
	}
}

// DisplayID is the short ID exposed to clients: the ":free" suffix and any
// provider path are dropped, so "meta-llama/llama-3-8b:free" becomes "llama-3-8b".
func (d Descriptor) DisplayID() string {
	id := strings.TrimSuffix(d.ID, ":free")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return id
}

// Provider returns the first path segment of the ID.
func (d Descriptor) Provider() string {
	provider, _, found := strings.Cut(d.ID, "/")
	if !found || provider == "" {
		return "unknown"
	}
	return provider
}

// MatchesID reports whether id names this model by full or display ID.
func (d Descriptor) MatchesID(id string) bool {
	return d.ID == id || d.DisplayID() == id
}

// PromptPrice and CompletionPrice parse the upstream price strings. ok is
// false when the field is missing or not a decimal.
func (d Descriptor) PromptPrice() (decimal.Decimal, bool) {
	if d.Pricing == nil {
		return decimal.Zero, false
	}
	return parsePrice(d.Pricing.Prompt)
}

func (d Descriptor) CompletionPrice() (decimal.Decimal, bool) {
	if d.Pricing == nil {
		return decimal.Zero, false
	}
	return parsePrice(d.Pricing.Completion)
}

func parsePrice(s string) (decimal.Decimal, bool) {
	if s == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

// Capabilities are the capability flags advertised in listings.
type Capabilities struct {
	Tools             bool `json:"tools"`
	ToolChoice        bool `json:"tool_choice"`
	ParallelToolCalls bool `json:"parallel_tool_calls"`
	JSONMode          bool `json:"json_mode"`
	Streaming         bool `json:"streaming"`
	Vision            bool `json:"vision"`
}

// Has reports whether the flag for c is set.
func (c Capabilities) Has(capability Capability) bool {
	switch capability {
	case CapTools:
		return c.Tools
	case CapToolChoice:
		return c.ToolChoice
	case CapParallelToolCalls:
		return c.ParallelToolCalls
	case CapJSONMode:
		return c.JSONMode
	case CapStreaming:
		return c.Streaming
	case CapVision:
		return c.Vision
	}
	return false
}
