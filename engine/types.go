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

// Package engine implements the request routing and governance decision
// pipeline: policy evaluation, subscription and compliance filtering,
// health and budget gating, experiment overlays, candidate selection,
// invocation with retry and fallback, output firewalling, and decision
// lineage recording.
package engine

import (
	"strings"
	"time"

	"axonflow/engine/registry"
)

// Sensitivity is the caller-declared data sensitivity of a request.
// Levels are ordered; the compliance filter compares ranks.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

var sensitivityRanks = map[Sensitivity]int{
	SensitivityPublic:       0,
	SensitivityInternal:     1,
	SensitivityConfidential: 2,
	SensitivityRestricted:   3,
}

// Rank returns the ordinal of the level. Unknown levels rank above
// restricted so an unrecognized declaration never loosens filtering.
func (s Sensitivity) Rank() int {
	if r, ok := sensitivityRanks[s]; ok {
		return r
	}
	return len(sensitivityRanks)
}

// ParseSensitivity normalizes a caller-supplied level; empty means public.
func ParseSensitivity(raw string) Sensitivity {
	s := Sensitivity(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return SensitivityPublic
	}
	return s
}

// FirewallAction is what the firewall does when a detector fires.
type FirewallAction string

const (
	// FirewallActionFlag returns the output unmodified but annotated.
	FirewallActionFlag FirewallAction = "flag"

	// FirewallActionRedraft rewrites the output through a sanitizing model.
	FirewallActionRedraft FirewallAction = "redraft"
)

// FirewallState is the terminal firewall outcome for one response.
type FirewallState string

const (
	FirewallClean     FirewallState = "clean"
	FirewallFlagged   FirewallState = "flagged"
	FirewallRedrafted FirewallState = "redrafted"
)

// RequestOptions carries per-request tuning from the caller.
type RequestOptions struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// FirewallAction overrides the policy default when non-empty.
	FirewallAction FirewallAction `json:"firewall_action,omitempty"`
}

// RequestContext is the immutable per-request snapshot every pipeline
// stage reads. It is created once at ingress and never mutated after.
type RequestContext struct {
	RequestID     string         `json:"request_id"`
	TenantID      string         `json:"tenant_id"`
	AppID         string         `json:"app_id"`
	TeamID        string         `json:"team_id,omitempty"`
	UserRole      string         `json:"user_role,omitempty"`
	Sensitivity   Sensitivity    `json:"sensitivity"`
	TokenEstimate int            `json:"token_estimate"`
	Language      string         `json:"language,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Options       RequestOptions `json:"options"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// HasTag reports whether the request carries the given tag.
func (rc *RequestContext) HasTag(tag string) bool {
	for _, t := range rc.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Candidate is one model eligible for selection at a pipeline stage.
type Candidate struct {
	Model  registry.ModelDescriptor `json:"model"`
	Weight float64                  `json:"weight"`
	RuleID string                   `json:"rule_id"`

	// Probe marks a half-open circuit trial admission. At most one
	// in-flight request holds the probe for a given circuit.
	Probe bool `json:"probe,omitempty"`
}

// DirectiveKind distinguishes how the selector treats the candidate order.
type DirectiveKind string

const (
	// DirectiveSingle pins one fixed candidate.
	DirectiveSingle DirectiveKind = "single"

	// DirectiveWeighted draws among candidates using their weights.
	DirectiveWeighted DirectiveKind = "weighted"

	// DirectiveOrdered always tries candidates in list order.
	DirectiveOrdered DirectiveKind = "ordered"
)

// CandidateSet is the ordered list of eligible models flowing through the
// filter pipeline. Stages narrow or annotate it, never widen it; each
// stage returns a new value so earlier views stay intact.
type CandidateSet struct {
	Items     []Candidate   `json:"items"`
	RuleID    string        `json:"rule_id,omitempty"`
	Directive DirectiveKind `json:"directive,omitempty"`
}

// Empty reports whether no candidates remain.
func (cs CandidateSet) Empty() bool {
	return len(cs.Items) == 0
}

// Refs returns the candidate references in order.
func (cs CandidateSet) Refs() []string {
	refs := make([]string, len(cs.Items))
	for i, c := range cs.Items {
		refs[i] = c.Model.Ref()
	}
	return refs
}

// Clone deep-copies the set so a stage can reorder without aliasing.
func (cs CandidateSet) Clone() CandidateSet {
	items := make([]Candidate, len(cs.Items))
	copy(items, cs.Items)
	return CandidateSet{Items: items, RuleID: cs.RuleID, Directive: cs.Directive}
}

// SubscriptionScope identifies which level of the tenancy hierarchy a
// subscription binds to.
type SubscriptionScope string

const (
	ScopeTenant SubscriptionScope = "tenant"
	ScopeApp    SubscriptionScope = "app"
	ScopeTeam   SubscriptionScope = "team"
)

// Subscription is an allow-list of models for one scope target.
type Subscription struct {
	Scope    SubscriptionScope `json:"scope"`
	TargetID string            `json:"target_id"`
	Models   []string          `json:"models"`
	Enabled  bool              `json:"enabled"`
}

// permits reports whether the subscription allows the given descriptor.
// Entries match the full "provider/model" reference or the bare model name.
func (s Subscription) permits(d registry.ModelDescriptor) bool {
	for _, m := range s.Models {
		if m == d.Ref() || m == d.Model {
			return true
		}
	}
	return false
}

// InvocationAttempt records one try against one candidate.
type InvocationAttempt struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"` // "success", "retryable_error", "terminal_error", "skipped_probe", "cancelled"
	ErrorCode  string `json:"error_code,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	Degraded   bool   `json:"degraded,omitempty"` // minimal-completion attempt outside the chain
}

// ViolationSample is a masked detector hit safe for traces and responses.
// Raw matched spans never leave the firewall.
type ViolationSample struct {
	Detector   string  `json:"detector"`
	Masked     string  `json:"masked"`
	Confidence float64 `json:"confidence"`
}

// FirewallOutcome summarizes the firewall's action on one response.
type FirewallOutcome struct {
	State           FirewallState     `json:"state"`
	Action          FirewallAction    `json:"action,omitempty"`
	Violations      []ViolationSample `json:"violations,omitempty"`
	SanitizingModel string            `json:"sanitizing_model,omitempty"`
	Degraded        bool              `json:"degraded,omitempty"` // redraft downgraded to flag
	LatencyMS       int64             `json:"latency_ms"`
	// SanitizeLatencyMS is the sanitizing adapter's own reported latency,
	// tracked separately so redraft SLOs are attributable to the sanitizer.
	SanitizeLatencyMS int64 `json:"sanitize_latency_ms,omitempty"`
}

// Trace statuses.
const (
	TraceStatusCompleted       = "completed"
	TraceStatusPolicyDenied    = "policy_denied"
	TraceStatusFailed          = "failed"
	TraceStatusClientCancelled = "client_cancelled"
)

// Pipeline stage names used in timing breakdowns and metrics labels.
const (
	StagePolicy       = "policy"
	StageSubscription = "subscription"
	StageCompliance   = "compliance"
	StageHealth       = "health"
	StageBudget       = "budget"
	StageExperiment   = "experiment"
	StageSelection    = "selection"
	StageInvocation   = "invocation"
	StageFirewall     = "firewall"
)

// DecisionTrace is the durable audit record of one request: every routing
// and safety decision, created at request start and persisted exactly once
// at request end. Immutable once handed to the lineage recorder.
type DecisionTrace struct {
	AuditID   string `json:"audit_id"`
	RequestID string `json:"request_id"`
	TenantID  string `json:"tenant_id"`
	AppID     string `json:"app_id"`
	TeamID    string `json:"team_id,omitempty"`

	PolicyVersion     string `json:"policy_version,omitempty"`
	RuleID            string `json:"rule_id,omitempty"`
	SubscriptionScope string `json:"subscription_scope,omitempty"`
	ExperimentID      string `json:"experiment_id,omitempty"`
	VariantID         string `json:"variant_id,omitempty"`

	RecommendedModel string              `json:"recommended_model,omitempty"`
	FinalModel       string              `json:"final_model,omitempty"`
	FellBack         bool                `json:"fell_back"`
	FallbackChain    []string            `json:"fallback_chain,omitempty"`
	Attempts         []InvocationAttempt `json:"attempts,omitempty"`

	Firewall FirewallOutcome `json:"firewall"`

	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`

	StageTimingsMS map[string]float64 `json:"stage_timings_ms,omitempty"`

	Status     string    `json:"status"`
	DenyReason string    `json:"deny_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// MarkStage records a stage duration in milliseconds.
func (t *DecisionTrace) MarkStage(stage string, d time.Duration) {
	if t.StageTimingsMS == nil {
		t.StageTimingsMS = make(map[string]float64, 9)
	}
	t.StageTimingsMS[stage] = float64(d.Microseconds()) / 1000.0
}
