// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"axonflow/engine/registry"
)

// ModelPricing contains pricing per 1K tokens for a model
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// PricingTable resolves per-token prices for cost recording and budget
// projection. Catalog descriptors carry their own prices; the table
// overrides them for operators who track provider price changes without
// redeploying the catalog. Patterns resolve most-specific first: exact
// model, longest "family-*" prefix, provider "*", then the descriptor.
type PricingTable struct {
	providers map[string]map[string]ModelPricing
	mu        sync.RWMutex
}

// defaultPricing covers the common providers (USD per 1K tokens, early 2025).
var defaultPricing = map[string]map[string]ModelPricing{
	"anthropic": {
		"claude-opus-4":    {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-sonnet-4":  {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku": {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-*":       {InputPer1K: 0.003, OutputPer1K: 0.015},
		"*":                {InputPer1K: 0.003, OutputPer1K: 0.015},
	},
	"openai": {
		"gpt-4o":      {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini": {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-*":     {InputPer1K: 0.01, OutputPer1K: 0.03},
		"o1-*":        {InputPer1K: 0.015, OutputPer1K: 0.06},
		"*":           {InputPer1K: 0.01, OutputPer1K: 0.03},
	},
	"bedrock": {
		"anthropic.*": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"amazon.*":    {InputPer1K: 0.0002, OutputPer1K: 0.0006},
		"meta.*":      {InputPer1K: 0.00265, OutputPer1K: 0.0035},
		"*":           {InputPer1K: 0.003, OutputPer1K: 0.015},
	},
	"selfhosted": {
		// Self-hosted compute is not metered per token here.
		"*": {InputPer1K: 0, OutputPer1K: 0},
	},
}

// NewPricingTable creates a pricing table seeded with the defaults.
func NewPricingTable() *PricingTable {
	return &PricingTable{providers: copyPricing(defaultPricing)}
}

// LoadPricingFromEnv builds a table from the defaults merged with the
// AXONFLOW_PRICING_CONFIG environment variable, which holds the same
// JSON shape as a pricing file.
func LoadPricingFromEnv() *PricingTable {
	table := NewPricingTable()

	if pricingJSON := os.Getenv("AXONFLOW_PRICING_CONFIG"); pricingJSON != "" {
		var custom pricingFile
		if err := json.Unmarshal([]byte(pricingJSON), &custom); err == nil {
			table.merge(custom.Providers)
		}
	}
	return table
}

type pricingFile struct {
	Providers map[string]map[string]ModelPricing `json:"providers"`
}

// LoadFile merges pricing from a JSON file over the current table.
func (t *PricingTable) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var custom pricingFile
	if err := json.Unmarshal(data, &custom); err != nil {
		return fmt.Errorf("failed to parse pricing file %s: %w", path, err)
	}
	t.merge(custom.Providers)
	return nil
}

func (t *PricingTable) merge(custom map[string]map[string]ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for provider, models := range custom {
		provider = strings.ToLower(provider)
		if t.providers[provider] == nil {
			t.providers[provider] = make(map[string]ModelPricing)
		}
		for model, pricing := range models {
			t.providers[provider][model] = pricing
		}
	}
}

// Set overrides pricing for one model, for the admin surface.
func (t *PricingTable) Set(provider, model string, pricing ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	provider = strings.ToLower(provider)
	if t.providers[provider] == nil {
		t.providers[provider] = make(map[string]ModelPricing)
	}
	t.providers[provider][model] = pricing
}

// Resolve returns the effective pricing for a descriptor.
func (t *PricingTable) Resolve(d registry.ModelDescriptor) ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()

	models, ok := t.providers[strings.ToLower(d.Provider)]
	if !ok {
		return ModelPricing{InputPer1K: d.InputPer1K, OutputPer1K: d.OutputPer1K}
	}

	if pricing, ok := models[d.Model]; ok {
		return pricing
	}

	// Longest matching "family-*" prefix wins.
	bestLen := -1
	var best ModelPricing
	for pattern, pricing := range models {
		if !strings.HasSuffix(pattern, "*") || pattern == "*" {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(d.Model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			best = pricing
		}
	}
	if bestLen >= 0 {
		return best
	}

	if pricing, ok := models["*"]; ok {
		return pricing
	}
	return ModelPricing{InputPer1K: d.InputPer1K, OutputPer1K: d.OutputPer1K}
}

// Cost computes the spend for one completed invocation.
func (t *PricingTable) Cost(d registry.ModelDescriptor, promptTokens, completionTokens int) float64 {
	pricing := t.Resolve(d)
	return float64(promptTokens)/1000.0*pricing.InputPer1K +
		float64(completionTokens)/1000.0*pricing.OutputPer1K
}

// EstimateCost projects the spend of a request before invocation. The
// completion is assumed to run half the prompt length, which matches
// observed chat workloads closely enough for budget gating.
func (t *PricingTable) EstimateCost(d registry.ModelDescriptor, tokenEstimate int) float64 {
	return t.Cost(d, tokenEstimate, tokenEstimate/2)
}

// BlendedPricePer1K mirrors the catalog's blended price but through the
// table's overrides, for cheapest-first ordering under budget pressure.
func (t *PricingTable) BlendedPricePer1K(d registry.ModelDescriptor) float64 {
	pricing := t.Resolve(d)
	return pricing.InputPer1K*0.25 + pricing.OutputPer1K*0.75
}

func copyPricing(src map[string]map[string]ModelPricing) map[string]map[string]ModelPricing {
	dst := make(map[string]map[string]ModelPricing)
	for provider, models := range src {
		dst[provider] = make(map[string]ModelPricing)
		for model, pricing := range models {
			dst[provider][model] = pricing
		}
	}
	return dst
}
