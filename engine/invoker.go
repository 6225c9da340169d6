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
	"math"
	"math/rand"
	"os"
	"time"

	"axonflow/engine/provider"
)

// RetryConfig configures per-candidate retry behavior.
type RetryConfig struct {
	// MaxAttempts is the attempt cap per candidate, first try included.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries.
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier.
	BackoffFactor float64

	// Jitter adds randomness to avoid thundering herd (0.0-1.0).
	Jitter float64

	// AttemptTimeout bounds each backend call. The request context still
	// applies on top.
	AttemptTimeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.1
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// Attempt outcomes recorded on the trace.
const (
	OutcomeSuccess      = "success"
	OutcomeRetryable    = "retryable_error"
	OutcomeTerminal     = "terminal_error"
	OutcomeSkippedProbe = "skipped_probe"
	OutcomeCancelled    = "cancelled"
)

// InvocationOutcome is what one orchestrated invocation produced,
// successful or not. Attempts are always populated so the trace can be
// persisted either way.
type InvocationOutcome struct {
	Result   *provider.Result
	Final    Candidate
	FellBack bool
	Degraded bool
	Attempts []InvocationAttempt
}

// Invoker walks the selected candidate chain: transient errors retry the
// same candidate with jittered exponential backoff, terminal errors and
// retry exhaustion advance to the next candidate, and a fully exhausted
// chain may get one degraded attempt on the cheapest compliant model.
type Invoker struct {
	adapters *provider.Set
	health   *HealthTracker
	cfg      RetryConfig
	logger   *log.Logger

	// sleep and randFloat are injection points for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewInvoker creates an invoker over the given adapters and circuit
// tracker.
func NewInvoker(adapters *provider.Set, health *HealthTracker, cfg RetryConfig) *Invoker {
	return &Invoker{
		adapters:  adapters,
		health:    health,
		cfg:       cfg.withDefaults(),
		logger:    log.New(os.Stdout, "[INVOKER] ", log.LstdFlags),
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run drives the invocation state machine. degrade, when non-nil, is the
// compliance-eligible pool sorted cheapest-first for the one-shot
// minimal-completion attempt after the chain is exhausted. The returned
// outcome is non-nil even on error so the caller can persist attempts.
func (iv *Invoker) Run(ctx context.Context, sel Selection, degrade []Candidate, input provider.Input, opts provider.Options) (*InvocationOutcome, error) {
	out := &InvocationOutcome{}
	chain := append([]Candidate{sel.Primary}, sel.Fallback...)

	invoked := make(map[string]bool, len(chain))
	defer func() {
		// Probe slots claimed at the health gate but never exercised must
		// be handed back or the circuit stays wedged until the TTL.
		for _, c := range chain {
			if c.Probe && !invoked[c.Model.Ref()] {
				iv.health.ReleaseProbe(c.Model.Ref())
			}
		}
	}()

	var lastErr error
	for ci, cand := range chain {
		if ci > 0 {
			out.FellBack = true
		}

		res, err := iv.tryCandidate(ctx, cand, input, opts, out, false, invoked)
		if err == nil {
			out.Result = res
			out.Final = cand
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}

	if len(degrade) > 0 {
		if res, cand, ok := iv.tryDegrade(ctx, degrade, input, opts, out, invoked); ok {
			out.Result = res
			out.Final = cand
			out.FellBack = true
			out.Degraded = true
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
	}

	attempted := make([]string, 0, len(chain))
	for _, c := range chain {
		attempted = append(attempted, c.Model.Ref())
	}
	return out, &ExhaustedFallbackError{
		Attempted: attempted,
		Hint:      remediationHint(lastErr),
		LastErr:   lastErr,
	}
}

// tryCandidate runs the retry loop for one candidate. Returns the result
// or the last error after the attempt cap.
func (iv *Invoker) tryCandidate(ctx context.Context, cand Candidate, input provider.Input, opts provider.Options, out *InvocationOutcome, degraded bool, invoked map[string]bool) (*provider.Result, error) {
	ref := cand.Model.Ref()

	adapter, ok := iv.adapters.Get(cand.Model.Provider)
	if !ok {
		out.Attempts = append(out.Attempts, InvocationAttempt{
			Provider:  cand.Model.Provider,
			Model:     cand.Model.Model,
			Attempt:   1,
			Outcome:   OutcomeTerminal,
			ErrorCode: "not_configured",
			Degraded:  degraded,
		})
		if cand.Probe {
			iv.health.ReleaseProbe(ref)
		}
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotConfigured, cand.Model.Provider)
	}

	var lastErr error
	for attempt := 1; attempt <= iv.cfg.MaxAttempts; attempt++ {
		invoked[ref] = true

		attemptCtx, cancel := context.WithTimeout(ctx, iv.cfg.AttemptTimeout)
		start := time.Now()
		res, err := adapter.Invoke(attemptCtx, cand.Model, input, opts)
		cancel()

		if err == nil {
			iv.health.RecordSuccess(ref, res.Latency)
			out.Attempts = append(out.Attempts, InvocationAttempt{
				Provider:  cand.Model.Provider,
				Model:     cand.Model.Model,
				Attempt:   attempt,
				Outcome:   OutcomeSuccess,
				LatencyMS: res.Latency.Milliseconds(),
				Degraded:  degraded,
			})
			return res, nil
		}

		lastErr = err
		elapsed := time.Since(start)

		// A caller disconnect is not a provider failure; record the
		// dispatched attempt and stop.
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			out.Attempts = append(out.Attempts, InvocationAttempt{
				Provider:  cand.Model.Provider,
				Model:     cand.Model.Model,
				Attempt:   attempt,
				Outcome:   OutcomeCancelled,
				ErrorCode: errorCode(err),
				LatencyMS: elapsed.Milliseconds(),
				Degraded:  degraded,
			})
			return nil, ctx.Err()
		}

		iv.health.RecordFailure(ref)

		retryable := provider.IsRetryable(err)
		outcome := OutcomeTerminal
		if retryable {
			outcome = OutcomeRetryable
		}
		out.Attempts = append(out.Attempts, InvocationAttempt{
			Provider:  cand.Model.Provider,
			Model:     cand.Model.Model,
			Attempt:   attempt,
			Outcome:   outcome,
			ErrorCode: errorCode(err),
			LatencyMS: elapsed.Milliseconds(),
			Degraded:  degraded,
		})

		if !retryable || attempt == iv.cfg.MaxAttempts || degraded {
			break
		}

		if err := iv.sleep(ctx, iv.backoff(attempt, err)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// tryDegrade makes the one-shot minimal-completion attempt: the first
// pool candidate whose circuit admits it gets a single try.
func (iv *Invoker) tryDegrade(ctx context.Context, pool []Candidate, input provider.Input, opts provider.Options, out *InvocationOutcome, invoked map[string]bool) (*provider.Result, Candidate, bool) {
	for _, cand := range pool {
		ref := cand.Model.Ref()
		admit, probe := iv.health.admit(ref)
		if !admit {
			out.Attempts = append(out.Attempts, InvocationAttempt{
				Provider: cand.Model.Provider,
				Model:    cand.Model.Model,
				Attempt:  1,
				Outcome:  OutcomeSkippedProbe,
				Degraded: true,
			})
			continue
		}
		cand.Probe = probe

		iv.logger.Printf("Degrading to minimal completion on %s", ref)
		res, err := iv.tryCandidate(ctx, cand, input, opts, out, true, invoked)
		if err == nil {
			return res, cand, true
		}
		return nil, Candidate{}, false
	}
	return nil, Candidate{}, false
}

// backoff computes the jittered exponential delay before the next retry
// of the same candidate. A backend-suggested retry delay takes
// precedence when it is longer.
func (iv *Invoker) backoff(attempt int, err error) time.Duration {
	d := time.Duration(float64(iv.cfg.InitialBackoff) * math.Pow(iv.cfg.BackoffFactor, float64(attempt-1)))
	if d > iv.cfg.MaxBackoff {
		d = iv.cfg.MaxBackoff
	}
	if iv.cfg.Jitter > 0 {
		delta := float64(d) * iv.cfg.Jitter
		d = time.Duration(float64(d) + (iv.randFloat()*2*delta - delta))
	}
	if hint, ok := provider.RetryAfterHint(err); ok && hint > d {
		d = hint
	}
	return d
}

func errorCode(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.ErrCodeTimeout
	}
	return "unknown"
}

// remediationHint maps the final failure class to an operator hint.
func remediationHint(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		switch pe.Code {
		case provider.ErrCodeRateLimit:
			return "providers are rate limiting; retry shortly or raise provider quotas"
		case provider.ErrCodeAuth:
			return "check provider credentials for the attempted models"
		case provider.ErrCodeContextLength:
			return "reduce the prompt size or route to a larger-context model"
		}
	}
	return "check provider status or add fallback candidates to the routing policy"
}
