package gateway

import "github.com/af-corp/tierproxy/internal/catalog"

type modelObject struct {
	ID                  string               `json:"id"`
	Object              string               `json:"object"`
	Created             int64                `json:"created"`
	OwnedBy             string               `json:"owned_by"`
	Name                string               `json:"name,omitempty"`
	ContextLength       *int64               `json:"context_length"`
	MaxCompletionTokens *int64               `json:"max_completion_tokens"`
	Capabilities        catalog.Capabilities `json:"capabilities"`
	Pricing             *modelPricing        `json:"pricing,omitempty"`
}

type modelPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

func newModelObject(d catalog.Descriptor) modelObject {
	m := modelObject{
		ID:            d.DisplayID(),
		Object:        "model",
		Created:       d.Created,
		OwnedBy:       d.Provider(),
		Name:          d.Name,
		ContextLength: d.ContextLength,
		Capabilities:  d.Capabilities(),
	}
	if d.TopProvider != nil {
		m.MaxCompletionTokens = d.TopProvider.MaxCompletionTokens
		if m.ContextLength == nil {
			m.ContextLength = d.TopProvider.ContextLength
		}
	}
	if d.Pricing != nil {
		m.Pricing = &modelPricing{Prompt: d.Pricing.Prompt, Completion: d.Pricing.Completion}
	}
	return m
}
