// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/engine/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	models := []registry.ModelDescriptor{
		{Provider: "openai", Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.01, Compliance: registry.ComplianceExternal, Enabled: true},
		{Provider: "anthropic", Model: "claude-sonnet", InputPer1K: 0.003, OutputPer1K: 0.015, Compliance: registry.ComplianceExternal, Enabled: true},
		{Provider: "selfhosted", Model: "llama-3-70b", InputPer1K: 0.0009, OutputPer1K: 0.0009, Compliance: registry.ComplianceInternal, Enabled: true},
		{Provider: "selfhosted", Model: "llama-3-8b", InputPer1K: 0.0002, OutputPer1K: 0.0002, Compliance: registry.ComplianceInternal, Enabled: true},
		{Provider: "openai", Model: "gpt-3.5-turbo", InputPer1K: 0.0005, OutputPer1K: 0.0015, Compliance: registry.ComplianceExternal, Enabled: false},
	}
	for _, m := range models {
		require.NoError(t, r.Upsert(m))
	}
	return r
}

func testSnapshot(t *testing.T) registry.Snapshot {
	t.Helper()
	return testRegistry(t).Snapshot()
}

func TestEvaluatePolicyFirstMatchWins(t *testing.T) {
	snap := testSnapshot(t)
	p := &Policy{
		AppID:   "support-bot",
		Version: "1",
		Rules: []Rule{
			{
				ID:         "restricted-internal",
				Conditions: []RuleCondition{{Field: "sensitivity", Operator: OpGreaterOrEqual, Value: "confidential"}},
				Directive:  Directive{Kind: DirectiveSingle, Model: "selfhosted/llama-3-70b"},
			},
			{
				ID:        "default-split",
				Directive: Directive{Kind: DirectiveWeighted, Weighted: []WeightedTarget{{Model: "openai/gpt-4o", Weight: 0.7}, {Model: "anthropic/claude-sonnet", Weight: 0.3}}},
			},
		},
	}

	rc := &RequestContext{AppID: "support-bot", Sensitivity: SensitivityRestricted}
	set := EvaluatePolicy(p, rc, snap)
	require.Len(t, set.Items, 1)
	assert.Equal(t, "restricted-internal", set.RuleID)
	assert.Equal(t, "selfhosted/llama-3-70b", set.Items[0].Model.Ref())

	rc = &RequestContext{AppID: "support-bot", Sensitivity: SensitivityPublic}
	set = EvaluatePolicy(p, rc, snap)
	require.Len(t, set.Items, 2)
	assert.Equal(t, "default-split", set.RuleID)
	assert.Equal(t, DirectiveWeighted, set.Directive)
	assert.InDelta(t, 0.7, set.Items[0].Weight, 1e-9)
}

func TestEvaluatePolicyNoMatchFailsClosed(t *testing.T) {
	snap := testSnapshot(t)
	p := &Policy{
		AppID:   "support-bot",
		Version: "1",
		Rules: []Rule{
			{
				ID:         "admins-only",
				Conditions: []RuleCondition{{Field: "user_role", Operator: OpEquals, Value: "admin"}},
				Directive:  Directive{Kind: DirectiveSingle, Model: "openai/gpt-4o"},
			},
		},
	}

	set := EvaluatePolicy(p, &RequestContext{UserRole: "viewer"}, snap)
	assert.True(t, set.Empty())
}

func TestConditionMatches(t *testing.T) {
	rc := &RequestContext{
		TenantID:      "acme",
		AppID:         "support-bot",
		TeamID:        "platform",
		UserRole:      "analyst",
		Sensitivity:   SensitivityConfidential,
		TokenEstimate: 1800,
		Language:      "en-US",
		Tags:          []string{"legal_hold", "priority"},
	}

	tests := []struct {
		name string
		cond RuleCondition
		want bool
	}{
		{"equals match", RuleCondition{Field: "tenant_id", Operator: OpEquals, Value: "acme"}, true},
		{"equals miss", RuleCondition{Field: "tenant_id", Operator: OpEquals, Value: "other"}, false},
		{"not equals", RuleCondition{Field: "user_role", Operator: OpNotEquals, Value: "admin"}, true},
		{"less than tokens", RuleCondition{Field: "token_estimate", Operator: OpLessThan, Value: 2000}, true},
		{"less than miss", RuleCondition{Field: "token_estimate", Operator: OpLessThan, Value: 1000}, false},
		{"greater or equal tokens", RuleCondition{Field: "token_estimate", Operator: OpGreaterOrEqual, Value: 1800}, true},
		{"sensitivity rank compare", RuleCondition{Field: "sensitivity", Operator: OpGreaterOrEqual, Value: "internal"}, true},
		{"sensitivity rank below", RuleCondition{Field: "sensitivity", Operator: OpGreaterOrEqual, Value: "restricted"}, false},
		{"in list", RuleCondition{Field: "language", Operator: OpIn, Value: []interface{}{"en-US", "en-GB"}}, true},
		{"in list miss", RuleCondition{Field: "language", Operator: OpIn, Value: []interface{}{"de-DE"}}, false},
		{"tags contain", RuleCondition{Field: "tags", Operator: OpContains, Value: "legal_hold"}, true},
		{"tags contain miss", RuleCondition{Field: "tags", Operator: OpContains, Value: "export"}, false},
		{"substring contains", RuleCondition{Field: "language", Operator: OpContains, Value: "en"}, true},
		{"unknown field fails closed", RuleCondition{Field: "region", Operator: OpEquals, Value: "eu"}, false},
		{"unknown operator fails closed", RuleCondition{Field: "tenant_id", Operator: "matches", Value: "acme"}, false},
		{"numeric coercion from string", RuleCondition{Field: "token_estimate", Operator: OpLessThan, Value: "2500"}, true},
		{"non-numeric comparison fails closed", RuleCondition{Field: "tenant_id", Operator: OpLessThan, Value: 5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := conditionMatches(tt.cond, rc); got != tt.want {
				t.Errorf("conditionMatches(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestExpandDirectiveDropsDisabledModels(t *testing.T) {
	snap := testSnapshot(t)
	rule := Rule{
		ID: "chain",
		Directive: Directive{Kind: DirectiveOrdered, Ordered: []string{
			"openai/gpt-4o",
			"openai/gpt-3.5-turbo", // disabled in catalog
			"selfhosted/llama-3-8b",
		}},
	}

	set := expandDirective(rule, snap)
	require.Len(t, set.Items, 2)
	assert.Equal(t, []string{"openai/gpt-4o", "selfhosted/llama-3-8b"}, set.Refs())
}

func TestValidatePolicy(t *testing.T) {
	snap := testSnapshot(t)

	valid := &Policy{
		AppID:   "support-bot",
		Version: "2",
		Rules: []Rule{
			{ID: "r1", Directive: Directive{Kind: DirectiveWeighted, Weighted: []WeightedTarget{
				{Model: "openai/gpt-4o", Weight: 0.6},
				{Model: "anthropic/claude-sonnet", Weight: 0.4},
			}}},
			{ID: "r2", Directive: Directive{Kind: DirectiveOrdered, Ordered: []string{"selfhosted/llama-3-70b", "selfhosted/llama-3-8b"}}},
		},
	}
	require.NoError(t, ValidatePolicy(valid, snap))

	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr string
	}{
		{
			name:    "missing app id",
			mutate:  func(p *Policy) { p.AppID = "" },
			wantErr: "app_id is required",
		},
		{
			name: "unknown model",
			mutate: func(p *Policy) {
				p.Rules[0].Directive.Weighted[0].Model = "openai/gpt-9"
			},
			wantErr: "not in catalog",
		},
		{
			name: "disabled model",
			mutate: func(p *Policy) {
				p.Rules[0].Directive.Weighted[0].Model = "openai/gpt-3.5-turbo"
			},
			wantErr: "is disabled",
		},
		{
			name: "weights off",
			mutate: func(p *Policy) {
				p.Rules[0].Directive.Weighted[0].Weight = 0.9
			},
			wantErr: "weights must sum to 1.0",
		},
		{
			name: "cyclic fallback",
			mutate: func(p *Policy) {
				p.Rules[1].Directive.Ordered = append(p.Rules[1].Directive.Ordered, "selfhosted/llama-3-70b")
			},
			wantErr: "cyclic fallback reference",
		},
		{
			name: "duplicate rule id",
			mutate: func(p *Policy) {
				p.Rules[1].ID = "r1"
			},
			wantErr: "duplicate rule id",
		},
		{
			name: "unknown operator",
			mutate: func(p *Policy) {
				p.Rules[0].Conditions = []RuleCondition{{Field: "tenant_id", Operator: "like", Value: "a"}}
			},
			wantErr: "unknown operator",
		},
		{
			name: "unknown directive kind",
			mutate: func(p *Policy) {
				p.Rules[0].Directive.Kind = "roundrobin"
			},
			wantErr: "unknown directive kind",
		},
		{
			name: "bad scope precedence",
			mutate: func(p *Policy) {
				p.ScopePrecedence = []SubscriptionScope{ScopeApp, "org"}
			},
			wantErr: "unknown subscription scope",
		},
		{
			name: "low water out of range",
			mutate: func(p *Policy) {
				p.Budget.LowWaterPct = 1.5
			},
			wantErr: "low_water_pct",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *valid
			p.Rules = make([]Rule, len(valid.Rules))
			copy(p.Rules, valid.Rules)
			for i := range p.Rules {
				p.Rules[i].Directive.Weighted = append([]WeightedTarget(nil), valid.Rules[i].Directive.Weighted...)
				p.Rules[i].Directive.Ordered = append([]string(nil), valid.Rules[i].Directive.Ordered...)
			}
			tt.mutate(&p)

			err := ValidatePolicy(&p, snap)
			require.Error(t, err)
			var invalid *InvalidPolicyError
			require.ErrorAs(t, err, &invalid)
			found := false
			for _, v := range invalid.Violations {
				if strings.Contains(v, tt.wantErr) {
					found = true
				}
			}
			assert.True(t, found, "violations %v should mention %q", invalid.Violations, tt.wantErr)
		})
	}
}

func TestEffectiveDefaults(t *testing.T) {
	p := &Policy{AppID: "a", Version: "1"}

	assert.Equal(t, []SubscriptionScope{ScopeApp, ScopeTeam, ScopeTenant}, p.EffectiveScopePrecedence())
	assert.Equal(t, SensitivityConfidential, p.EffectiveSensitivityThreshold())
	assert.Equal(t, FirewallActionFlag, p.EffectiveFirewallAction(&RequestContext{}))

	p.ScopePrecedence = []SubscriptionScope{ScopeTenant}
	p.FirewallDefault = FirewallActionRedraft
	assert.Equal(t, []SubscriptionScope{ScopeTenant}, p.EffectiveScopePrecedence())
	assert.Equal(t, FirewallActionRedraft, p.EffectiveFirewallAction(&RequestContext{}))

	rc := &RequestContext{Options: RequestOptions{FirewallAction: FirewallActionFlag}}
	assert.Equal(t, FirewallActionFlag, p.EffectiveFirewallAction(rc))
}
