// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package engine

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"axonflow/engine/registry"
)

func TestPricingResolveOrder(t *testing.T) {
	table := NewPricingTable()

	tests := []struct {
		name       string
		descriptor registry.ModelDescriptor
		wantInput  float64
	}{
		{
			name:       "exact model match",
			descriptor: registry.ModelDescriptor{Provider: "openai", Model: "gpt-4o"},
			wantInput:  0.0025,
		},
		{
			name:       "prefix pattern match",
			descriptor: registry.ModelDescriptor{Provider: "openai", Model: "gpt-4-turbo-2024-04-09"},
			wantInput:  0.01,
		},
		{
			name:       "provider wildcard",
			descriptor: registry.ModelDescriptor{Provider: "openai", Model: "gpt-6"},
			wantInput:  0.01,
		},
		{
			name:       "bedrock family prefix",
			descriptor: registry.ModelDescriptor{Provider: "bedrock", Model: "amazon.titan-text-express-v1"},
			wantInput:  0.0002,
		},
		{
			name:       "unknown provider falls back to descriptor",
			descriptor: registry.ModelDescriptor{Provider: "acmecloud", Model: "foo", InputPer1K: 0.042},
			wantInput:  0.042,
		},
		{
			name:       "self-hosted is free",
			descriptor: registry.ModelDescriptor{Provider: "selfhosted", Model: "llama-3-70b", InputPer1K: 0.5},
			wantInput:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Resolve(tt.descriptor)
			if got.InputPer1K != tt.wantInput {
				t.Errorf("Resolve(%s/%s).InputPer1K = %v, want %v",
					tt.descriptor.Provider, tt.descriptor.Model, got.InputPer1K, tt.wantInput)
			}
		})
	}
}

func TestLongestPrefixWins(t *testing.T) {
	table := NewPricingTable()
	table.Set("openai", "gpt-4-turbo-*", ModelPricing{InputPer1K: 0.005, OutputPer1K: 0.015})

	d := registry.ModelDescriptor{Provider: "openai", Model: "gpt-4-turbo-preview"}
	got := table.Resolve(d)
	if got.InputPer1K != 0.005 {
		t.Errorf("expected the longer gpt-4-turbo-* pattern to win, got input %v", got.InputPer1K)
	}
}

func TestCost(t *testing.T) {
	table := NewPricingTable()
	d := registry.ModelDescriptor{Provider: "openai", Model: "gpt-4o"}

	// 1000 in at 0.0025 + 500 out at 0.01
	got := table.Cost(d, 1000, 500)
	want := 0.0025 + 0.005
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost = %v, want %v", got, want)
	}

	if est := table.EstimateCost(d, 1000); est != got {
		t.Errorf("EstimateCost(1000) = %v, want %v (half-length completion assumption)", est, got)
	}
}

func TestPricingFileMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.json")
	custom := `{"providers": {"openai": {"gpt-4o": {"input_per_1k": 0.002, "output_per_1k": 0.008}}, "newcloud": {"*": {"input_per_1k": 0.001, "output_per_1k": 0.002}}}}`
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	table := NewPricingTable()
	if err := table.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	got := table.Resolve(registry.ModelDescriptor{Provider: "openai", Model: "gpt-4o"})
	if got.InputPer1K != 0.002 {
		t.Errorf("file override not applied, got %v", got.InputPer1K)
	}

	got = table.Resolve(registry.ModelDescriptor{Provider: "newcloud", Model: "anything"})
	if got.InputPer1K != 0.001 {
		t.Errorf("new provider from file not applied, got %v", got.InputPer1K)
	}

	// Untouched entries keep their defaults.
	got = table.Resolve(registry.ModelDescriptor{Provider: "openai", Model: "gpt-4o-mini"})
	if got.InputPer1K != 0.00015 {
		t.Errorf("default pricing clobbered by merge, got %v", got.InputPer1K)
	}
}

func TestLoadPricingFromEnv(t *testing.T) {
	t.Setenv("AXONFLOW_PRICING_CONFIG", `{"providers": {"anthropic": {"claude-sonnet-4": {"input_per_1k": 0.0028, "output_per_1k": 0.014}}}}`)

	table := LoadPricingFromEnv()
	got := table.Resolve(registry.ModelDescriptor{Provider: "anthropic", Model: "claude-sonnet-4"})
	if got.InputPer1K != 0.0028 {
		t.Errorf("env override not applied, got %v", got.InputPer1K)
	}
}
