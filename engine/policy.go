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
	"fmt"
	"strconv"
	"strings"
	"time"

	"axonflow/engine/registry"
)

// Condition operators. Unknown operators are rejected at load time; at
// request time any evaluation surprise counts as non-matching.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpIn             = "in"
	OpContains       = "contains"
)

// RuleCondition is one field comparison. A rule's conditions are a
// conjunction: all must match.
type RuleCondition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// WeightedTarget pairs a model reference with its selection weight.
type WeightedTarget struct {
	Model  string  `json:"model" yaml:"model"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Directive is the tagged selection variant a matching rule produces.
// Exactly one of the variant fields is populated, per Kind.
type Directive struct {
	Kind     DirectiveKind    `json:"kind" yaml:"kind"`
	Model    string           `json:"model,omitempty" yaml:"model,omitempty"`       // single
	Weighted []WeightedTarget `json:"weighted,omitempty" yaml:"weighted,omitempty"` // weighted
	Ordered  []string         `json:"ordered,omitempty" yaml:"ordered,omitempty"`   // ordered
}

// Rule pairs a predicate with a selection directive. Rules evaluate
// top-to-bottom; the first match wins.
type Rule struct {
	ID          string          `json:"id" yaml:"id"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions  []RuleCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Directive   Directive       `json:"directive" yaml:"directive"`
}

// BudgetLimits is the per-policy spend configuration.
type BudgetLimits struct {
	// MonthlyUSD caps (tenant, app) spend per calendar month. Zero
	// disables budget gating.
	MonthlyUSD float64 `json:"monthly_usd" yaml:"monthly_usd"`

	// LowWaterPct of the limit still remaining triggers downgrade
	// reordering. Defaults to 0.1.
	LowWaterPct float64 `json:"low_water_pct,omitempty" yaml:"low_water_pct,omitempty"`

	// MinimalPricePer1K is the blended price at or below which a model
	// still qualifies once the budget is exhausted.
	MinimalPricePer1K float64 `json:"minimal_price_per_1k,omitempty" yaml:"minimal_price_per_1k,omitempty"`
}

// DetectorConfig tunes the output firewall per policy.
type DetectorConfig struct {
	// Enabled restricts the detector chain to the named detectors.
	// Empty means all registered detectors run.
	Enabled []string `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// MinConfidence drops detector hits below this confidence. Defaults
	// to 0.5.
	MinConfidence float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`

	// Contextual enables the model-judged detector when deterministic
	// detectors are inconclusive.
	Contextual bool `json:"contextual,omitempty" yaml:"contextual,omitempty"`

	// ContextualTimeoutMS bounds the contextual detector call.
	ContextualTimeoutMS int `json:"contextual_timeout_ms,omitempty" yaml:"contextual_timeout_ms,omitempty"`
}

// Policy is one immutable, versioned rule set for an app. A new version
// supersedes the old; versions are never mutated in place.
type Policy struct {
	AppID   string `json:"app_id" yaml:"app_id"`
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`

	// ScopePrecedence orders subscription resolution. Empty means the
	// default app, team, tenant order.
	ScopePrecedence []SubscriptionScope `json:"scope_precedence,omitempty" yaml:"scope_precedence,omitempty"`

	Budget BudgetLimits `json:"budget" yaml:"budget"`

	// FirewallDefault applies when the request carries no override.
	FirewallDefault FirewallAction `json:"firewall_default,omitempty" yaml:"firewall_default,omitempty"`

	// BlockedTags removes external models when a request tag intersects.
	BlockedTags []string `json:"blocked_tags,omitempty" yaml:"blocked_tags,omitempty"`

	// SensitivityThreshold is the level at or above which external
	// models are excluded. Defaults to confidential.
	SensitivityThreshold Sensitivity `json:"sensitivity_threshold,omitempty" yaml:"sensitivity_threshold,omitempty"`

	Detectors DetectorConfig `json:"detectors,omitempty" yaml:"detectors,omitempty"`

	// MinimalCompletion enables one final attempt on the cheapest
	// compliant candidate after the fallback chain is exhausted.
	MinimalCompletion bool `json:"minimal_completion,omitempty" yaml:"minimal_completion,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// EffectiveScopePrecedence returns the configured precedence or the
// default app, team, tenant order.
func (p *Policy) EffectiveScopePrecedence() []SubscriptionScope {
	if len(p.ScopePrecedence) > 0 {
		return p.ScopePrecedence
	}
	return []SubscriptionScope{ScopeApp, ScopeTeam, ScopeTenant}
}

// EffectiveFirewallAction resolves the request override against the
// policy default.
func (p *Policy) EffectiveFirewallAction(rc *RequestContext) FirewallAction {
	if rc.Options.FirewallAction != "" {
		return rc.Options.FirewallAction
	}
	if p.FirewallDefault != "" {
		return p.FirewallDefault
	}
	return FirewallActionFlag
}

// EffectiveSensitivityThreshold returns the configured threshold or the
// confidential default.
func (p *Policy) EffectiveSensitivityThreshold() Sensitivity {
	if p.SensitivityThreshold != "" {
		return p.SensitivityThreshold
	}
	return SensitivityConfidential
}

// Weight sums may drift by float error; reject anything further off.
const weightTolerance = 0.01

var validOperators = map[string]bool{
	OpEquals:         true,
	OpNotEquals:      true,
	OpLessThan:       true,
	OpGreaterOrEqual: true,
	OpIn:             true,
	OpContains:       true,
}

// ValidatePolicy statically checks a policy against the catalog snapshot.
// Violations are collected, not short-circuited, so an admin sees the
// full list in one pass. Returns *InvalidPolicyError when anything fails.
func ValidatePolicy(p *Policy, snap registry.Snapshot) error {
	var violations []string

	if p.AppID == "" {
		violations = append(violations, "app_id is required")
	}
	if p.Version == "" {
		violations = append(violations, "version is required")
	}

	checkRef := func(where, ref string) {
		d, ok := snap.Lookup(ref)
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: model %s not in catalog", where, ref))
			return
		}
		if !d.Enabled {
			violations = append(violations, fmt.Sprintf("%s: model %s is disabled", where, ref))
		}
	}

	seenRules := make(map[string]bool, len(p.Rules))
	for i, rule := range p.Rules {
		where := fmt.Sprintf("rule %q", rule.ID)
		if rule.ID == "" {
			where = fmt.Sprintf("rule #%d", i)
			violations = append(violations, where+": id is required")
		} else if seenRules[rule.ID] {
			violations = append(violations, where+": duplicate rule id")
		}
		seenRules[rule.ID] = true

		for _, cond := range rule.Conditions {
			if cond.Field == "" {
				violations = append(violations, where+": condition field is required")
			}
			if !validOperators[cond.Operator] {
				violations = append(violations, fmt.Sprintf("%s: unknown operator %q", where, cond.Operator))
			}
		}

		switch rule.Directive.Kind {
		case DirectiveSingle:
			if rule.Directive.Model == "" {
				violations = append(violations, where+": single directive requires a model")
			} else {
				checkRef(where, rule.Directive.Model)
			}
		case DirectiveWeighted:
			if len(rule.Directive.Weighted) == 0 {
				violations = append(violations, where+": weighted directive requires targets")
				break
			}
			total := 0.0
			for _, target := range rule.Directive.Weighted {
				if target.Weight <= 0 {
					violations = append(violations, fmt.Sprintf("%s: weight for %s must be positive", where, target.Model))
				}
				total += target.Weight
				checkRef(where, target.Model)
			}
			if total < 1-weightTolerance || total > 1+weightTolerance {
				violations = append(violations, fmt.Sprintf("%s: weights must sum to 1.0, got %.4f", where, total))
			}
		case DirectiveOrdered:
			if len(rule.Directive.Ordered) == 0 {
				violations = append(violations, where+": ordered directive requires targets")
				break
			}
			seen := make(map[string]bool, len(rule.Directive.Ordered))
			for _, ref := range rule.Directive.Ordered {
				if seen[ref] {
					// A repeated entry would make the fallback chain revisit
					// a model it already failed on.
					violations = append(violations, fmt.Sprintf("%s: cyclic fallback reference to %s", where, ref))
				}
				seen[ref] = true
				checkRef(where, ref)
			}
		default:
			violations = append(violations, fmt.Sprintf("%s: unknown directive kind %q", where, rule.Directive.Kind))
		}
	}

	seenScopes := make(map[SubscriptionScope]bool, len(p.ScopePrecedence))
	for _, scope := range p.ScopePrecedence {
		if scope != ScopeTenant && scope != ScopeApp && scope != ScopeTeam {
			violations = append(violations, fmt.Sprintf("unknown subscription scope %q", scope))
		}
		if seenScopes[scope] {
			violations = append(violations, fmt.Sprintf("duplicate subscription scope %q", scope))
		}
		seenScopes[scope] = true
	}

	if p.FirewallDefault != "" && p.FirewallDefault != FirewallActionFlag && p.FirewallDefault != FirewallActionRedraft {
		violations = append(violations, fmt.Sprintf("unknown firewall action %q", p.FirewallDefault))
	}
	if p.Budget.MonthlyUSD < 0 {
		violations = append(violations, "budget monthly_usd must not be negative")
	}
	if p.Budget.LowWaterPct < 0 || p.Budget.LowWaterPct > 1 {
		violations = append(violations, "budget low_water_pct must be within [0, 1]")
	}

	if len(violations) > 0 {
		return &InvalidPolicyError{AppID: p.AppID, Version: p.Version, Violations: violations}
	}
	return nil
}

// EvaluatePolicy matches the request against the policy's rules
// top-to-bottom and expands the first matching directive into a
// CandidateSet. No match fails closed: the empty set means no eligible
// model, never a default route. Disabled or unlisted models are dropped
// during expansion, which only ever narrows the set.
func EvaluatePolicy(p *Policy, rc *RequestContext, snap registry.Snapshot) CandidateSet {
	for _, rule := range p.Rules {
		if !ruleMatches(rule, rc) {
			continue
		}
		return expandDirective(rule, snap)
	}
	return CandidateSet{}
}

// ruleMatches evaluates the rule's conjunction. Every surprise (unknown
// field, unknown operator, type mismatch) counts as non-matching.
func ruleMatches(rule Rule, rc *RequestContext) bool {
	for _, cond := range rule.Conditions {
		if !conditionMatches(cond, rc) {
			return false
		}
	}
	return true
}

func conditionMatches(cond RuleCondition, rc *RequestContext) bool {
	value, ok := contextFieldValue(cond.Field, rc)
	if !ok {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return fmt.Sprint(value) == fmt.Sprint(cond.Value)
	case OpNotEquals:
		return fmt.Sprint(value) != fmt.Sprint(cond.Value)
	case OpLessThan:
		a, b, ok := numericPair(cond.Field, value, cond.Value)
		return ok && a < b
	case OpGreaterOrEqual:
		a, b, ok := numericPair(cond.Field, value, cond.Value)
		return ok && a >= b
	case OpIn:
		return valueIn(cond.Value, value)
	case OpContains:
		return valueContains(value, cond.Value)
	default:
		return false
	}
}

// contextFieldValue resolves a condition field against the request
// context. Unknown fields report !ok, which fails the condition.
func contextFieldValue(field string, rc *RequestContext) (interface{}, bool) {
	switch field {
	case "tenant_id":
		return rc.TenantID, true
	case "app_id":
		return rc.AppID, true
	case "team_id":
		return rc.TeamID, true
	case "user_role":
		return rc.UserRole, true
	case "sensitivity":
		return rc.Sensitivity, true
	case "token_estimate":
		return rc.TokenEstimate, true
	case "language":
		return rc.Language, true
	case "tags":
		return rc.Tags, true
	default:
		return nil, false
	}
}

// numericPair coerces both sides for an ordering comparison. Sensitivity
// levels compare by rank so "sensitivity greater_or_equal confidential"
// reads naturally in rules.
func numericPair(field string, fieldValue, condValue interface{}) (float64, float64, bool) {
	if field == "sensitivity" {
		return float64(ParseSensitivity(fmt.Sprint(fieldValue)).Rank()),
			float64(ParseSensitivity(fmt.Sprint(condValue)).Rank()), true
	}

	a, aok := toFloat64(fieldValue)
	b, bok := toFloat64(condValue)
	return a, b, aok && bok
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// valueIn implements set membership: the field value appears in the
// condition's list.
func valueIn(condValue, fieldValue interface{}) bool {
	items, ok := anySlice(condValue)
	if !ok {
		return false
	}
	needle := fmt.Sprint(fieldValue)
	for _, item := range items {
		if fmt.Sprint(item) == needle {
			return true
		}
	}
	return false
}

// valueContains matches list fields (tags) containing the condition value,
// or substring match for scalar fields.
func valueContains(fieldValue, condValue interface{}) bool {
	if items, ok := anySlice(fieldValue); ok {
		needle := fmt.Sprint(condValue)
		for _, item := range items {
			if fmt.Sprint(item) == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(fmt.Sprint(fieldValue)), strings.ToLower(fmt.Sprint(condValue)))
}

func anySlice(v interface{}) ([]interface{}, bool) {
	switch items := v.(type) {
	case []interface{}:
		return items, true
	case []string:
		out := make([]interface{}, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// expandDirective resolves directive targets against the catalog
// snapshot. Models missing from the snapshot or disabled since policy
// load are skipped.
func expandDirective(rule Rule, snap registry.Snapshot) CandidateSet {
	set := CandidateSet{RuleID: rule.ID, Directive: rule.Directive.Kind}

	appendRef := func(ref string, weight float64) {
		d, ok := snap.Lookup(ref)
		if !ok || !d.Enabled {
			return
		}
		set.Items = append(set.Items, Candidate{Model: d, Weight: weight, RuleID: rule.ID})
	}

	switch rule.Directive.Kind {
	case DirectiveSingle:
		appendRef(rule.Directive.Model, 1.0)
	case DirectiveWeighted:
		for _, target := range rule.Directive.Weighted {
			appendRef(target.Model, target.Weight)
		}
	case DirectiveOrdered:
		for _, ref := range rule.Directive.Ordered {
			appendRef(ref, 1.0)
		}
	}
	return set
}
