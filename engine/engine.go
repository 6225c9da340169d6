// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"axonflow/engine/provider"
	"axonflow/engine/registry"
)

// budgetRecordTimeout bounds the async spend write after a finished
// request.
const budgetRecordTimeout = 5 * time.Second

// Decision is the engine's answer for one routed request. Error outcomes
// still carry the audit id so every response is traceable.
type Decision struct {
	AuditID          string          `json:"audit_id"`
	Output           string          `json:"output,omitempty"`
	RecommendedModel string          `json:"recommended_model,omitempty"`
	FinalModel       string          `json:"final_model,omitempty"`
	FellBack         bool            `json:"fell_back"`
	Degraded         bool            `json:"degraded,omitempty"`
	RuleID           string          `json:"rule_id,omitempty"`
	Usage            provider.Usage  `json:"usage"`
	CostUSD          float64         `json:"cost_usd"`
	Firewall         FirewallOutcome `json:"firewall"`
}

// EngineConfig wires the pipeline components together. Registry, policy
// and subscription stores, and the adapter set are required; everything
// else defaults to an in-process implementation.
type EngineConfig struct {
	Registry      *registry.Registry
	Policies      *PolicyStore
	Subscriptions *SubscriptionStore
	Health        *HealthTracker
	Budget        *BudgetLedger
	Experiments   *ExperimentOverlay
	Pricing       *PricingTable
	Adapters      *provider.Set
	Firewall      *Firewall
	Lineage       *LineageRecorder
	Retry         RetryConfig

	// SanitizerRef names the catalog model the firewall redrafts through.
	SanitizerRef string
}

// Engine runs one request through the full decision pipeline: policy
// evaluation, subscription and compliance filtering, circuit and budget
// gating, experiment overlay, selection, invocation, output firewall,
// and lineage recording. Stages only ever narrow or annotate the
// candidate set; every emptied set becomes a governed refusal, never a
// default route.
type Engine struct {
	registry      *registry.Registry
	policies      *PolicyStore
	subscriptions *SubscriptionStore
	health        *HealthTracker
	budget        *BudgetLedger
	experiments   *ExperimentOverlay
	pricing       *PricingTable
	invoker       *Invoker
	firewall      *Firewall
	lineage       *LineageRecorder
	sanitizerRef  string
	logger        *log.Logger

	requests  atomic.Int64
	completed atomic.Int64
	denied    atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	latencies *statsRing
	startedAt time.Time

	shutdownChan chan struct{}
	closeOnce    sync.Once
}

// NewEngine validates the wiring and builds the pipeline.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine requires a model registry")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("engine requires a policy store")
	}
	if cfg.Subscriptions == nil {
		return nil, fmt.Errorf("engine requires a subscription store")
	}
	if cfg.Adapters == nil {
		return nil, fmt.Errorf("engine requires a provider adapter set")
	}

	if cfg.Health == nil {
		cfg.Health = NewHealthTracker(HealthConfig{})
	}
	if cfg.Budget == nil {
		ledger, err := NewBudgetLedger()
		if err != nil {
			return nil, err
		}
		cfg.Budget = ledger
	}
	if cfg.Experiments == nil {
		cfg.Experiments = NewExperimentOverlay()
	}
	if cfg.Pricing == nil {
		cfg.Pricing = NewPricingTable()
	}
	if cfg.Firewall == nil {
		cfg.Firewall = NewFirewall(cfg.Adapters)
	}

	e := &Engine{
		registry:      cfg.Registry,
		policies:      cfg.Policies,
		subscriptions: cfg.Subscriptions,
		health:        cfg.Health,
		budget:        cfg.Budget,
		experiments:   cfg.Experiments,
		pricing:       cfg.Pricing,
		invoker:       NewInvoker(cfg.Adapters, cfg.Health, cfg.Retry),
		firewall:      cfg.Firewall,
		lineage:       cfg.Lineage,
		sanitizerRef:  cfg.SanitizerRef,
		logger:        log.New(os.Stdout, "[ENGINE] ", log.LstdFlags),
		latencies:     newStatsRing(),
		startedAt:     time.Now(),
		shutdownChan:  make(chan struct{}),
	}
	go e.healthSweepLoop()
	return e, nil
}

// healthSweepLoop reclaims stale half-open probe slots in the
// background so an abandoned probe cannot wedge a circuit between
// requests.
func (e *Engine) healthSweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownChan:
			return
		case <-ticker.C:
			e.health.SweepProbes()
		}
	}
}

// Route runs one request through the pipeline. The returned decision is
// non-nil whenever a trace was produced, including deny and failure
// outcomes, so callers can always surface the audit id.
func (e *Engine) Route(ctx context.Context, rc *RequestContext, input provider.Input) (*Decision, error) {
	select {
	case <-e.shutdownChan:
		return nil, ErrEngineClosed
	default:
	}
	e.requests.Add(1)

	trace := &DecisionTrace{
		AuditID:   uuid.NewString(),
		RequestID: rc.RequestID,
		TenantID:  rc.TenantID,
		AppID:     rc.AppID,
		TeamID:    rc.TeamID,
		StartedAt: time.Now().UTC(),
	}
	if trace.RequestID == "" {
		trace.RequestID = trace.AuditID
	}

	// One catalog snapshot serves the whole request; a catalog update
	// mid-flight cannot produce a mixed view.
	snap := e.registry.Snapshot()

	pol, ok := e.policies.Get(rc.AppID)
	if !ok {
		trace.Status = TraceStatusFailed
		e.failed.Add(1)
		e.finish(trace, AppliedExperiment{}, 0)
		return e.decision(trace, ""), fmt.Errorf("%w: %s", ErrPolicyNotFound, rc.AppID)
	}
	trace.PolicyVersion = pol.Version

	stageStart := time.Now()
	set := EvaluatePolicy(pol, rc, snap)
	trace.MarkStage(StagePolicy, time.Since(stageStart))
	trace.RuleID = set.RuleID
	if set.Empty() {
		return e.deny(trace, StagePolicy)
	}

	stageStart = time.Now()
	precedence := pol.EffectiveScopePrecedence()
	if sub, ok := e.subscriptions.ResolveSubscription(precedence, rc); ok {
		trace.SubscriptionScope = string(sub.Scope)
	}
	set = e.subscriptions.Filter(set, precedence, rc)
	trace.MarkStage(StageSubscription, time.Since(stageStart))
	if set.Empty() {
		return e.deny(trace, StageSubscription)
	}

	// The compliance survivors double as the minimal-completion pool, so
	// the degraded attempt can never reach a model the compliance filter
	// would have excluded.
	stageStart = time.Now()
	eligible := FilterByCompliance(set, rc, pol)
	trace.MarkStage(StageCompliance, time.Since(stageStart))
	if eligible.Empty() {
		return e.deny(trace, StageCompliance)
	}

	stageStart = time.Now()
	admitted := e.health.Filter(eligible)
	trace.MarkStage(StageHealth, time.Since(stageStart))
	if admitted.Empty() {
		return e.deny(trace, StageHealth)
	}

	stageStart = time.Now()
	set, budgetState := e.budget.Gate(ctx, admitted, rc, pol, e.pricing)
	trace.MarkStage(StageBudget, time.Since(stageStart))
	if budgetState.Exhausted {
		e.logger.Printf("Budget exhausted for %s/%s: %.2f of %.2f USD spent", rc.TenantID, rc.AppID, budgetState.Spent, budgetState.Limit)
	}
	if set.Empty() {
		e.releaseProbesOutside(admitted, nil)
		return e.deny(trace, StageBudget)
	}

	stageStart = time.Now()
	set, applied := e.experiments.Apply(set, rc)
	trace.MarkStage(StageExperiment, time.Since(stageStart))
	trace.ExperimentID = applied.ExperimentID
	trace.VariantID = applied.VariantID

	stageStart = time.Now()
	sel, err := SelectCandidate(set, trace.AuditID, e.health.Scores(set.Refs()))
	trace.MarkStage(StageSelection, time.Since(stageStart))
	if err != nil {
		e.releaseProbesOutside(admitted, nil)
		return e.deny(trace, StageSelection)
	}
	trace.RecommendedModel = sel.Primary.Model.Ref()
	trace.FallbackChain = sel.ChainRefs()

	// Probe slots claimed at the circuit gate for candidates that the
	// budget gate or the overlay dropped would stay wedged until the TTL.
	chain := make(map[string]bool, len(trace.FallbackChain))
	for _, ref := range trace.FallbackChain {
		chain[ref] = true
	}
	e.releaseProbesOutside(admitted, chain)

	var degrade []Candidate
	if pol.MinimalCompletion {
		degrade = e.degradePool(eligible, chain)
	}

	stageStart = time.Now()
	outcome, invErr := e.invoker.Run(ctx, sel, degrade, input, provider.Options{
		MaxTokens:   rc.Options.MaxTokens,
		Temperature: rc.Options.Temperature,
	})
	invLatency := time.Since(stageStart)
	trace.MarkStage(StageInvocation, invLatency)
	trace.Attempts = outcome.Attempts
	trace.FellBack = outcome.FellBack

	if invErr != nil {
		// A caller disconnect still persists the dispatched attempts.
		if errors.Is(invErr, context.Canceled) {
			trace.Status = TraceStatusClientCancelled
			e.cancelled.Add(1)
		} else {
			trace.Status = TraceStatusFailed
			e.failed.Add(1)
			e.logger.Printf("Request %s failed after %d attempt(s): %v", trace.RequestID, len(trace.Attempts), invErr)
		}
		e.finish(trace, applied, invLatency)
		return e.decision(trace, ""), invErr
	}

	res := outcome.Result
	trace.FinalModel = outcome.Final.Model.Ref()
	trace.PromptTokens = res.Usage.PromptTokens
	trace.CompletionTokens = res.Usage.CompletionTokens
	trace.TotalTokens = res.Usage.TotalTokens
	trace.CostUSD = e.pricing.Cost(outcome.Final.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens)

	stageStart = time.Now()
	text, screened := e.firewall.Screen(ctx, res.Text, pol.Detectors, pol.EffectiveFirewallAction(rc), e.sanitizerModel(snap))
	trace.MarkStage(StageFirewall, time.Since(stageStart))
	trace.Firewall = screened

	trace.Status = TraceStatusCompleted
	e.completed.Add(1)
	e.finish(trace, applied, invLatency)

	d := e.decision(trace, text)
	d.Degraded = outcome.Degraded
	return d, nil
}

// deny finalizes a governed refusal. Denied requests still produce a
// full trace.
func (e *Engine) deny(trace *DecisionTrace, stage string) (*Decision, error) {
	refusal := denyFor(stage)
	refusal.AuditID = trace.AuditID
	trace.Status = TraceStatusPolicyDenied
	trace.DenyReason = string(refusal.Reason)
	e.denied.Add(1)
	e.logger.Printf("Request %s denied (%s) at stage %s", trace.RequestID, refusal.Reason, stage)
	e.finish(trace, AppliedExperiment{}, 0)
	return e.decision(trace, ""), refusal
}

// finish stamps the trace, records spend and experiment outcomes, and
// hands the trace to the lineage recorder. The spend write runs off the
// request path under its own timeout.
func (e *Engine) finish(trace *DecisionTrace, applied AppliedExperiment, invLatency time.Duration) {
	trace.FinishedAt = time.Now().UTC()
	e.latencies.record(trace.FinishedAt.Sub(trace.StartedAt).Milliseconds())

	if trace.CostUSD > 0 {
		go func(tenantID, appID string, usd float64) {
			rctx, cancel := context.WithTimeout(context.Background(), budgetRecordTimeout)
			defer cancel()
			e.budget.Record(rctx, tenantID, appID, usd)
		}(trace.TenantID, trace.AppID, trace.CostUSD)
	}

	e.experiments.RecordOutcome(applied, invLatency, trace.CostUSD, trace.Status == TraceStatusCompleted)
	observeDecision(trace)
	if e.lineage != nil {
		e.lineage.Record(trace)
	}
}

func (e *Engine) decision(trace *DecisionTrace, output string) *Decision {
	return &Decision{
		AuditID:          trace.AuditID,
		Output:           output,
		RecommendedModel: trace.RecommendedModel,
		FinalModel:       trace.FinalModel,
		FellBack:         trace.FellBack,
		RuleID:           trace.RuleID,
		Usage: provider.Usage{
			PromptTokens:     trace.PromptTokens,
			CompletionTokens: trace.CompletionTokens,
			TotalTokens:      trace.TotalTokens,
		},
		CostUSD:  trace.CostUSD,
		Firewall: trace.Firewall,
	}
}

// releaseProbesOutside hands back probe slots claimed at the circuit
// gate by candidates that did not make the final chain. Probes inside
// the chain are the invoker's to release.
func (e *Engine) releaseProbesOutside(admitted CandidateSet, chain map[string]bool) {
	for _, c := range admitted.Items {
		if c.Probe && !chain[c.Model.Ref()] {
			e.health.ReleaseProbe(c.Model.Ref())
		}
	}
}

// degradePool builds the minimal-completion pool: compliance-eligible
// candidates outside the chain, cheapest first. Probe flags are cleared
// because the invoker re-admits pool candidates against the circuit
// itself.
func (e *Engine) degradePool(eligible CandidateSet, chain map[string]bool) []Candidate {
	pool := make([]Candidate, 0, len(eligible.Items))
	for _, c := range eligible.Items {
		if chain[c.Model.Ref()] {
			continue
		}
		c.Probe = false
		pool = append(pool, c)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return e.pricing.BlendedPricePer1K(pool[i].Model) < e.pricing.BlendedPricePer1K(pool[j].Model)
	})
	return pool
}

// sanitizerModel resolves the configured sanitizing model against the
// request's catalog snapshot. A missing or disabled sanitizer makes the
// firewall degrade redraft to flag.
func (e *Engine) sanitizerModel(snap registry.Snapshot) registry.ModelDescriptor {
	if e.sanitizerRef == "" {
		return registry.ModelDescriptor{}
	}
	d, ok := snap.Lookup(e.sanitizerRef)
	if !ok || !d.Enabled {
		return registry.ModelDescriptor{}
	}
	return d
}

// EngineStats is the counter snapshot served by the admin surface.
type EngineStats struct {
	Requests      int64          `json:"requests"`
	Completed     int64          `json:"completed"`
	Denied        int64          `json:"denied"`
	Failed        int64          `json:"failed"`
	Cancelled     int64          `json:"cancelled"`
	Latency       LatencySummary `json:"latency"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}

// Stats returns the engine's request counters and recent latency
// percentiles.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Requests:      e.requests.Load(),
		Completed:     e.completed.Load(),
		Denied:        e.denied.Load(),
		Failed:        e.failed.Load(),
		Cancelled:     e.cancelled.Load(),
		Latency:       e.latencies.summary(),
		StartedAt:     e.startedAt,
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
	}
}

// Close stops the engine: new requests are refused, the store refresh
// loops stop, and the lineage queue drains into the sink.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.shutdownChan)
		e.policies.Close()
		e.subscriptions.Close()
		if e.lineage != nil {
			if err := e.lineage.Close(); err != nil {
				e.logger.Printf("Error closing lineage recorder: %v", err)
			}
		}
		e.logger.Printf("Engine shut down")
	})
}
