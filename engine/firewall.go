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
	"log"
	"os"
	"strings"
	"time"

	"axonflow/engine/provider"
	"axonflow/engine/registry"
)

const (
	defaultSanitizeTimeout   = 10 * time.Second
	defaultContextualTimeout = 2 * time.Second
)

// sanitizeInstruction is the fixed rewrite instruction for the
// sanitizing adapter. It is intentionally constant so redrafts are
// reproducible and never caller-steerable.
const sanitizeInstruction = "Rewrite the following text so it contains no personal data, " +
	"account or card numbers, or credentials. Replace each such value with a neutral " +
	"placeholder. Preserve everything else, including formatting. Return only the rewritten text."

const judgeInstruction = "You are a data-protection reviewer. Answer with exactly YES or NO: " +
	"does the following text contain personal data, account numbers, or credentials?"

// ContextualDetector is the optional model-judged second opinion used
// when the deterministic detectors are inconclusive.
type ContextualDetector interface {
	Judge(ctx context.Context, text string) (sensitive bool, confidence float64, err error)
}

// ModelJudge implements ContextualDetector over a provider adapter.
type ModelJudge struct {
	adapters *provider.Set
	model    registry.ModelDescriptor
}

// NewModelJudge creates a judge that asks the given model.
func NewModelJudge(adapters *provider.Set, model registry.ModelDescriptor) *ModelJudge {
	return &ModelJudge{adapters: adapters, model: model}
}

// Judge implements ContextualDetector.
func (j *ModelJudge) Judge(ctx context.Context, text string) (bool, float64, error) {
	adapter, ok := j.adapters.Get(j.model.Provider)
	if !ok {
		return false, 0, ErrAdapterNotConfigured
	}
	res, err := adapter.Invoke(ctx, j.model, provider.Input{
		Prompt:       text,
		SystemPrompt: judgeInstruction,
	}, provider.Options{MaxTokens: 8})
	if err != nil {
		return false, 0, err
	}
	answer := strings.ToUpper(strings.TrimSpace(res.Text))
	return strings.HasPrefix(answer, "YES"), 0.8, nil
}

// Firewall screens final output text before it leaves the engine. It
// never fails a request: a broken sanitizer or judge degrades the
// outcome, it does not block the response.
type Firewall struct {
	adapters        *provider.Set
	judge           ContextualDetector
	sanitizeTimeout time.Duration
	logger          *log.Logger
}

// FirewallOption customizes a Firewall.
type FirewallOption func(*Firewall)

// WithContextualDetector wires the optional model-judged detector.
func WithContextualDetector(judge ContextualDetector) FirewallOption {
	return func(fw *Firewall) { fw.judge = judge }
}

// WithSanitizeTimeout bounds the sanitizing adapter call.
func WithSanitizeTimeout(d time.Duration) FirewallOption {
	return func(fw *Firewall) { fw.sanitizeTimeout = d }
}

// NewFirewall creates a firewall over the given adapters.
func NewFirewall(adapters *provider.Set, opts ...FirewallOption) *Firewall {
	fw := &Firewall{
		adapters:        adapters,
		sanitizeTimeout: defaultSanitizeTimeout,
		logger:          log.New(os.Stdout, "[FIREWALL] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw
}

// Screen runs the detector chain over text and applies the effective
// action. It returns the text to hand back to the caller together with
// the outcome for the trace. Flag keeps the original text; redraft
// replaces it with the sanitizer's rewrite, degrading to flag when the
// sanitizer fails or times out.
func (fw *Firewall) Screen(ctx context.Context, text string, cfg DetectorConfig, action FirewallAction, sanitizer registry.ModelDescriptor) (string, FirewallOutcome) {
	start := time.Now()
	chain := NewDetectorChain(cfg)
	hits, inconclusive := chain.Scan(text)

	// The contextual judge runs only when every deterministic match fell
	// below the confidence floor, so clear cases never pay its latency.
	if len(hits) == 0 && inconclusive && cfg.Contextual && fw.judge != nil {
		jctx, cancel := context.WithTimeout(ctx, contextualTimeout(cfg))
		sensitive, confidence, err := fw.judge.Judge(jctx, text)
		cancel()
		switch {
		case err != nil:
			fw.logger.Printf("Contextual detector unavailable, keeping deterministic results: %v", err)
		case sensitive:
			hits = append(hits, Detection{Detector: DetectorContextual, Confidence: confidence})
		}
	}

	if len(hits) == 0 {
		return text, FirewallOutcome{State: FirewallClean, LatencyMS: time.Since(start).Milliseconds()}
	}

	outcome := FirewallOutcome{
		State:      FirewallFlagged,
		Action:     action,
		Violations: maskedSamples(text, hits),
	}

	if action == FirewallActionRedraft {
		if redrafted, sanitizeLatency, ok := fw.sanitize(ctx, text, sanitizer); ok {
			outcome.State = FirewallRedrafted
			outcome.SanitizingModel = sanitizer.Ref()
			outcome.SanitizeLatencyMS = sanitizeLatency.Milliseconds()
			outcome.LatencyMS = time.Since(start).Milliseconds()
			return redrafted, outcome
		}
		outcome.Degraded = true
	}

	outcome.LatencyMS = time.Since(start).Milliseconds()
	return text, outcome
}

// sanitize rewrites text through the sanitizing adapter, returning the
// adapter's reported latency. Any failure reports ok=false so the caller
// can degrade to flag.
func (fw *Firewall) sanitize(ctx context.Context, text string, sanitizer registry.ModelDescriptor) (string, time.Duration, bool) {
	if sanitizer.Provider == "" {
		fw.logger.Printf("No sanitizing model configured, degrading redraft to flag")
		return "", 0, false
	}
	adapter, ok := fw.adapters.Get(sanitizer.Provider)
	if !ok {
		fw.logger.Printf("No adapter for sanitizing provider %s, degrading redraft to flag", sanitizer.Provider)
		return "", 0, false
	}

	sctx, cancel := context.WithTimeout(ctx, fw.sanitizeTimeout)
	defer cancel()
	res, err := adapter.Invoke(sctx, sanitizer, provider.Input{
		Prompt:       text,
		SystemPrompt: sanitizeInstruction,
	}, provider.Options{})
	if err != nil {
		fw.logger.Printf("Sanitizing call failed on %s, degrading redraft to flag: %v", sanitizer.Ref(), err)
		return "", 0, false
	}
	return res.Text, res.Latency, true
}

func maskedSamples(text string, hits []Detection) []ViolationSample {
	samples := make([]ViolationSample, 0, len(hits))
	for _, h := range hits {
		sample := ViolationSample{Detector: h.Detector, Confidence: h.Confidence}
		if h.End > h.Start {
			sample.Masked = maskSpan(text[h.Start:h.End])
		}
		samples = append(samples, sample)
	}
	return samples
}

func contextualTimeout(cfg DetectorConfig) time.Duration {
	if cfg.ContextualTimeoutMS > 0 {
		return time.Duration(cfg.ContextualTimeoutMS) * time.Millisecond
	}
	return defaultContextualTimeout
}
