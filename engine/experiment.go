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
	"log"
	"os"
	"sync"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentActive     ExperimentStatus = "active"
	ExperimentPaused     ExperimentStatus = "paused"
	ExperimentRolledBack ExperimentStatus = "rolled_back"
)

// DefaultRollbackCoolDown blocks re-activation after an automatic
// rollback long enough for a human to look at the numbers.
const DefaultRollbackCoolDown = 10 * time.Minute

// outcomeWindowSize bounds the rolling outcome samples per arm.
const outcomeWindowSize = 500

// ExperimentVariant describes what the experiment does to enrolled
// traffic. Exactly one of Substitute or Reweight is set.
type ExperimentVariant struct {
	ID string `bson:"id" json:"id"`

	// Substitute replaces the candidate order with these refs. Refs not
	// currently eligible are ignored, so the overlay can never widen a
	// set the earlier gates narrowed.
	Substitute []string `bson:"substitute,omitempty" json:"substitute,omitempty"`

	// Reweight overrides selection weights for the listed refs.
	Reweight map[string]float64 `bson:"reweight,omitempty" json:"reweight,omitempty"`
}

// ExperimentGuardrail bounds how far a variant may regress against
// control before the experiment rolls itself back.
type ExperimentGuardrail struct {
	// MaxErrorRatePct rolls back when the variant's error rate exceeds
	// this percentage. Zero disables the check.
	MaxErrorRatePct float64 `bson:"max_error_rate_pct,omitempty" json:"max_error_rate_pct,omitempty"`

	// MaxLatencyP95Ratio rolls back when variant p95 divided by control
	// p95 exceeds this ratio. Zero disables the check.
	MaxLatencyP95Ratio float64 `bson:"max_latency_p95_ratio,omitempty" json:"max_latency_p95_ratio,omitempty"`

	// MinSample is the minimum number of outcomes each arm needs before
	// guardrails fire.
	MinSample int `bson:"min_sample,omitempty" json:"min_sample,omitempty"`
}

// Experiment routes a deterministic slice of an app's traffic through a
// variant directive.
type Experiment struct {
	ID          string              `bson:"_id" json:"id"`
	AppID       string              `bson:"app_id" json:"app_id"`
	Description string              `bson:"description,omitempty" json:"description,omitempty"`
	TrafficPct  float64             `bson:"traffic_pct" json:"traffic_pct"` // 0..1
	Variant     ExperimentVariant   `bson:"variant" json:"variant"`
	Guardrail   ExperimentGuardrail `bson:"guardrail,omitempty" json:"guardrail,omitempty"`
	Status      ExperimentStatus    `bson:"status" json:"status"`

	// CoolDownSeconds gates re-activation after an automatic rollback.
	// Zero means DefaultRollbackCoolDown.
	CoolDownSeconds int       `bson:"cool_down_seconds,omitempty" json:"cool_down_seconds,omitempty"`
	RolledBackAt    time.Time `bson:"rolled_back_at,omitempty" json:"rolled_back_at,omitempty"`
	CreatedAt       time.Time `bson:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt       time.Time `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

func (e *Experiment) coolDown() time.Duration {
	if e.CoolDownSeconds > 0 {
		return time.Duration(e.CoolDownSeconds) * time.Second
	}
	return DefaultRollbackCoolDown
}

// AppliedExperiment tells the rest of the pipeline what the overlay did.
// VariantID is empty for requests that serve as control.
type AppliedExperiment struct {
	ExperimentID string
	VariantID    string
	Enrolled     bool
}

type armStats struct {
	latencies []time.Duration
	outcomes  []bool
	totalCost float64
	count     int64
}

func (a *armStats) record(latency time.Duration, cost float64, success bool) {
	a.latencies = append(a.latencies, latency)
	if len(a.latencies) > outcomeWindowSize {
		a.latencies = a.latencies[len(a.latencies)-outcomeWindowSize:]
	}
	a.outcomes = append(a.outcomes, success)
	if len(a.outcomes) > outcomeWindowSize {
		a.outcomes = a.outcomes[len(a.outcomes)-outcomeWindowSize:]
	}
	a.totalCost += cost
	a.count++
}

func (a *armStats) errorRatePct() float64 {
	if len(a.outcomes) == 0 {
		return 0
	}
	failures := 0
	for _, ok := range a.outcomes {
		if !ok {
			failures++
		}
	}
	return float64(failures) / float64(len(a.outcomes)) * 100
}

type experimentState struct {
	exp     Experiment
	variant *armStats
	control *armStats
}

// ExperimentOverlay applies active experiments to candidate sets and
// watches variant health. Mutations from rollbacks only affect requests
// that enter the overlay afterwards; in-flight requests keep whatever
// they were dealt.
type ExperimentOverlay struct {
	mu     sync.RWMutex
	byApp  map[string][]*experimentState
	byID   map[string]*experimentState
	logger *log.Logger
	now    func() time.Time

	// onRollback, when set, persists an automatic rollback.
	onRollback func(exp Experiment)
}

// NewExperimentOverlay creates an empty overlay.
func NewExperimentOverlay() *ExperimentOverlay {
	return &ExperimentOverlay{
		byApp:  make(map[string][]*experimentState),
		byID:   make(map[string]*experimentState),
		logger: log.New(os.Stdout, "[EXPERIMENTS] ", log.LstdFlags),
		now:    time.Now,
	}
}

// OnRollback registers a hook invoked after an automatic rollback, for
// persisting the new state.
func (o *ExperimentOverlay) OnRollback(fn func(exp Experiment)) {
	o.mu.Lock()
	o.onRollback = fn
	o.mu.Unlock()
}

// SetExperiments replaces the overlay's experiment set, keeping outcome
// windows for experiments that survive the swap.
func (o *ExperimentOverlay) SetExperiments(exps []Experiment) {
	o.mu.Lock()
	defer o.mu.Unlock()

	byApp := make(map[string][]*experimentState)
	byID := make(map[string]*experimentState)
	for _, exp := range exps {
		st := &experimentState{exp: exp, variant: &armStats{}, control: &armStats{}}
		if prev, ok := o.byID[exp.ID]; ok {
			st.variant = prev.variant
			st.control = prev.control
		}
		byApp[exp.AppID] = append(byApp[exp.AppID], st)
		byID[exp.ID] = st
	}
	o.byApp = byApp
	o.byID = byID
}

// Experiments returns a copy of the current definitions, for the admin
// surface.
func (o *ExperimentOverlay) Experiments() []Experiment {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]Experiment, 0, len(o.byID))
	for _, st := range o.byID {
		out = append(out, st.exp)
	}
	return out
}

// experimentBucket maps a stable request key into [0, 1). The same
// (experiment, tenant, app) always lands in the same bucket, which makes
// enrollment reproducible across instances and replays.
func experimentBucket(expID, tenantID, appID string) float64 {
	return hashUnit(expID + "|" + tenantID + "|" + appID)
}

// Apply overlays the first active experiment of the request's app, if
// any. Enrollment is decided by deterministic bucketing. The overlay
// never widens the set; a substitution that would empty it is skipped.
func (o *ExperimentOverlay) Apply(set CandidateSet, rc *RequestContext) (CandidateSet, AppliedExperiment) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, st := range o.byApp[rc.AppID] {
		if st.exp.Status != ExperimentActive || st.exp.TrafficPct <= 0 {
			continue
		}

		applied := AppliedExperiment{ExperimentID: st.exp.ID}
		if experimentBucket(st.exp.ID, rc.TenantID, rc.AppID) >= st.exp.TrafficPct {
			// Control arm: untouched set, but the outcome still counts.
			return set, applied
		}

		overlaid, ok := applyVariant(set, st.exp.Variant)
		if !ok {
			return set, applied
		}
		applied.VariantID = st.exp.Variant.ID
		applied.Enrolled = true
		return overlaid, applied
	}
	return set, AppliedExperiment{}
}

func applyVariant(set CandidateSet, v ExperimentVariant) (CandidateSet, bool) {
	if len(v.Substitute) > 0 {
		byRef := make(map[string]Candidate, len(set.Items))
		for _, c := range set.Items {
			byRef[c.Model.Ref()] = c
		}
		out := CandidateSet{RuleID: set.RuleID, Directive: set.Directive}
		for _, ref := range v.Substitute {
			if c, ok := byRef[ref]; ok {
				out.Items = append(out.Items, c)
			}
		}
		if out.Empty() {
			return set, false
		}
		return out, true
	}

	if len(v.Reweight) > 0 {
		out := set.Clone()
		for i := range out.Items {
			if w, ok := v.Reweight[out.Items[i].Model.Ref()]; ok {
				out.Items[i].Weight = w
			}
		}
		return out, true
	}

	return set, false
}

// RecordOutcome feeds one finished request back into the experiment's
// arm windows and evaluates the guardrails.
func (o *ExperimentOverlay) RecordOutcome(applied AppliedExperiment, latency time.Duration, cost float64, success bool) {
	if applied.ExperimentID == "" {
		return
	}

	o.mu.Lock()
	st, ok := o.byID[applied.ExperimentID]
	if !ok {
		o.mu.Unlock()
		return
	}

	if applied.Enrolled {
		st.variant.record(latency, cost, success)
	} else {
		st.control.record(latency, cost, success)
	}

	rolledBack, hook := o.checkGuardrailLocked(st)
	o.mu.Unlock()

	if rolledBack && hook != nil {
		hook(st.exp)
	}
}

// checkGuardrailLocked evaluates rollback conditions. Caller holds o.mu.
func (o *ExperimentOverlay) checkGuardrailLocked(st *experimentState) (bool, func(Experiment)) {
	exp := &st.exp
	if exp.Status != ExperimentActive {
		return false, nil
	}
	g := exp.Guardrail
	minSample := g.MinSample
	if minSample <= 0 {
		minSample = 50
	}
	if len(st.variant.outcomes) < minSample {
		return false, nil
	}

	var reason string
	if g.MaxErrorRatePct > 0 {
		if rate := st.variant.errorRatePct(); rate > g.MaxErrorRatePct {
			reason = fmt.Sprintf("error rate %.1f%% above %.1f%%", rate, g.MaxErrorRatePct)
		}
	}
	if reason == "" && g.MaxLatencyP95Ratio > 0 && len(st.control.latencies) >= minSample {
		controlP95 := percentileDuration(st.control.latencies, 95)
		variantP95 := percentileDuration(st.variant.latencies, 95)
		if controlP95 > 0 && float64(variantP95) > float64(controlP95)*g.MaxLatencyP95Ratio {
			reason = fmt.Sprintf("p95 %v against control %v breaches ratio %.2f", variantP95, controlP95, g.MaxLatencyP95Ratio)
		}
	}
	if reason == "" {
		return false, nil
	}

	exp.TrafficPct = 0
	exp.Status = ExperimentRolledBack
	exp.RolledBackAt = o.now()
	o.logger.Printf("Experiment %s rolled back: %s", exp.ID, reason)
	return true, o.onRollback
}

// Resume re-activates an experiment at the given traffic share. Blocked
// while the rollback cool-down is running.
func (o *ExperimentOverlay) Resume(expID string, trafficPct float64) error {
	if trafficPct <= 0 || trafficPct > 1 {
		return fmt.Errorf("traffic_pct must be within (0, 1]")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.byID[expID]
	if !ok {
		return fmt.Errorf("unknown experiment %q", expID)
	}
	exp := &st.exp

	if exp.Status == ExperimentRolledBack {
		wait := exp.coolDown() - o.now().Sub(exp.RolledBackAt)
		if wait > 0 {
			return fmt.Errorf("experiment %s is cooling down for another %v", expID, wait.Round(time.Second))
		}
	}

	exp.Status = ExperimentActive
	exp.TrafficPct = trafficPct
	exp.UpdatedAt = o.now()
	st.variant = &armStats{}
	st.control = &armStats{}
	o.logger.Printf("Experiment %s resumed at %.0f%% traffic", expID, trafficPct*100)
	return nil
}
