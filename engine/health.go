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
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// CircuitState is the breaker state of one (provider, model) pair.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = time.Minute
	defaultCoolDown         = 30 * time.Second
	defaultLatencyMinSample = 20

	// latencyWindowSize bounds the per-model latency samples kept for
	// the p95 trip check.
	latencyWindowSize = 200

	// probeTTL reclaims a probe slot whose request never reported back,
	// so a crashed caller cannot wedge the circuit in half-open.
	probeTTL = 2 * time.Minute
)

// HealthConfig tunes the per-model circuit breakers.
type HealthConfig struct {
	// FailureThreshold opens the circuit once this many failures land
	// inside FailureWindow.
	FailureThreshold int
	FailureWindow    time.Duration

	// CoolDown is how long an open circuit waits before admitting a
	// half-open probe.
	CoolDown time.Duration

	// LatencyCeiling opens the circuit when the rolling p95 stays above
	// it. Zero disables the latency trip.
	LatencyCeiling time.Duration

	// LatencyMinSample is the minimum number of samples before the p95
	// trip is considered.
	LatencyMinSample int
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = defaultFailureWindow
	}
	if c.CoolDown <= 0 {
		c.CoolDown = defaultCoolDown
	}
	if c.LatencyMinSample <= 0 {
		c.LatencyMinSample = defaultLatencyMinSample
	}
	return c
}

// HealthRecord is a point-in-time view of one circuit, for the admin
// surface and traces.
type HealthRecord struct {
	Ref            string       `json:"ref"`
	State          CircuitState `json:"state"`
	RecentFailures int          `json:"recent_failures"`
	LastFailure    time.Time    `json:"last_failure,omitempty"`
	P95LatencyMS   int64        `json:"p95_latency_ms"`
	Score          float64      `json:"score"`
	OpenedAt       time.Time    `json:"opened_at,omitempty"`
}

type modelHealth struct {
	state      CircuitState
	failures   []time.Time
	openedAt   time.Time
	latencies  []time.Duration
	probing    bool
	probeStart time.Time
}

// HealthTracker keeps one circuit breaker per (provider, model). All
// transitions happen under the tracker lock; the half-open probe slot is
// claimed by exactly one request at a time.
type HealthTracker struct {
	mu     sync.Mutex
	models map[string]*modelHealth
	cfg    HealthConfig
	logger *log.Logger
	now    func() time.Time
}

// NewHealthTracker creates a tracker with the given config.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{
		models: make(map[string]*modelHealth),
		cfg:    cfg.withDefaults(),
		logger: log.New(os.Stdout, "[HEALTH] ", log.LstdFlags),
		now:    time.Now,
	}
}

func (h *HealthTracker) getOrCreate(ref string) *modelHealth {
	mh, ok := h.models[ref]
	if !ok {
		mh = &modelHealth{state: CircuitClosed}
		h.models[ref] = mh
	}
	return mh
}

// admit decides whether a request may use the model right now. The
// second return marks the request as the circuit's half-open probe.
// Callers that receive probe=true and then never invoke the model must
// release the slot through ReleaseProbe.
func (h *HealthTracker) admit(ref string) (admit, probe bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(ref)
	now := h.now()

	if mh.state == CircuitOpen && now.Sub(mh.openedAt) >= h.cfg.CoolDown {
		mh.state = CircuitHalfOpen
		mh.probing = false
	}

	switch mh.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		return false, false
	case CircuitHalfOpen:
		if mh.probing && now.Sub(mh.probeStart) < probeTTL {
			return false, false
		}
		mh.probing = true
		mh.probeStart = now
		return true, true
	}
	return false, false
}

// ReleaseProbe frees the half-open probe slot for a request that claimed
// it but never invoked the model, for example because selection chose a
// different candidate.
func (h *HealthTracker) ReleaseProbe(ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if mh, ok := h.models[ref]; ok && mh.state == CircuitHalfOpen {
		mh.probing = false
	}
}

// RecordSuccess closes the circuit after a successful call and feeds the
// latency sample into the p95 trip check.
func (h *HealthTracker) RecordSuccess(ref string, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(ref)
	if mh.state == CircuitHalfOpen {
		h.logger.Printf("Circuit closed for %s after successful probe", ref)
	}
	mh.state = CircuitClosed
	mh.probing = false
	mh.failures = mh.failures[:0]

	mh.latencies = append(mh.latencies, latency)
	if len(mh.latencies) > latencyWindowSize {
		mh.latencies = mh.latencies[len(mh.latencies)-latencyWindowSize:]
	}

	if h.cfg.LatencyCeiling > 0 && len(mh.latencies) >= h.cfg.LatencyMinSample {
		if p95 := percentileDuration(mh.latencies, 95); p95 > h.cfg.LatencyCeiling {
			mh.state = CircuitOpen
			mh.openedAt = h.now()
			mh.latencies = mh.latencies[:0]
			h.logger.Printf("Circuit opened for %s: p95 %v above ceiling %v", ref, p95, h.cfg.LatencyCeiling)
		}
	}
}

// RecordFailure counts a failed call. A half-open probe failure reopens
// the circuit immediately; in closed state the sliding failure window
// decides.
func (h *HealthTracker) RecordFailure(ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh := h.getOrCreate(ref)
	now := h.now()

	switch mh.state {
	case CircuitHalfOpen:
		mh.state = CircuitOpen
		mh.openedAt = now
		mh.probing = false
		h.logger.Printf("Circuit reopened for %s: probe failed", ref)
		return
	case CircuitOpen:
		return
	}

	cutoff := now.Add(-h.cfg.FailureWindow)
	valid := mh.failures[:0]
	for _, t := range mh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	mh.failures = append(valid, now)

	if len(mh.failures) >= h.cfg.FailureThreshold {
		mh.state = CircuitOpen
		mh.openedAt = now
		h.logger.Printf("Circuit opened for %s: %d failures in %v", ref, len(mh.failures), h.cfg.FailureWindow)
	}
}

// scoreLocked derives a health score in [0, 1] from the recent success
// and failure counts. Open circuits score zero. The score is a tie-break
// signal only and never gates admission on its own.
func scoreLocked(mh *modelHealth) float64 {
	if mh.state == CircuitOpen {
		return 0
	}
	successes := len(mh.latencies)
	failures := len(mh.failures)
	if successes+failures == 0 {
		return 1
	}
	return float64(successes) / float64(successes+failures)
}

// Scores returns the current health score per ref, for selection
// tie-breaks.
func (h *HealthTracker) Scores(refs []string) map[string]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]float64, len(refs))
	for _, ref := range refs {
		mh, ok := h.models[ref]
		if !ok {
			out[ref] = 1
			continue
		}
		out[ref] = scoreLocked(mh)
	}
	return out
}

// State returns the current state of one circuit, applying the cool-down
// transition if it is due.
func (h *HealthTracker) State(ref string) CircuitState {
	h.mu.Lock()
	defer h.mu.Unlock()

	mh, ok := h.models[ref]
	if !ok {
		return CircuitClosed
	}
	if mh.state == CircuitOpen && h.now().Sub(mh.openedAt) >= h.cfg.CoolDown {
		mh.state = CircuitHalfOpen
		mh.probing = false
	}
	return mh.state
}

// Snapshot returns the tracked circuits sorted by ref.
func (h *HealthTracker) Snapshot() []HealthRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]HealthRecord, 0, len(h.models))
	for ref, mh := range h.models {
		rec := HealthRecord{
			Ref:            ref,
			State:          mh.state,
			RecentFailures: len(mh.failures),
			Score:          scoreLocked(mh),
			OpenedAt:       mh.openedAt,
		}
		if len(mh.failures) > 0 {
			rec.LastFailure = mh.failures[len(mh.failures)-1]
		}
		if len(mh.latencies) > 0 {
			rec.P95LatencyMS = percentileDuration(mh.latencies, 95).Milliseconds()
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// SweepProbes applies due cool-down transitions and reclaims probe
// slots whose requests never reported back. Admission does both lazily;
// the engine also runs this on a timer so a crashed prober cannot hold
// a circuit in limbo between requests.
func (h *HealthTracker) SweepProbes() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	reclaimed := 0
	for ref, mh := range h.models {
		if mh.state == CircuitOpen && now.Sub(mh.openedAt) >= h.cfg.CoolDown {
			mh.state = CircuitHalfOpen
			mh.probing = false
			continue
		}
		if mh.state == CircuitHalfOpen && mh.probing && now.Sub(mh.probeStart) >= probeTTL {
			mh.probing = false
			reclaimed++
			h.logger.Printf("Reclaimed stale probe slot for %s", ref)
		}
	}
	return reclaimed
}

// Filter applies the circuit gate to a candidate set. Closed circuits
// pass, open circuits are dropped, and a half-open circuit passes only
// for the request that wins its probe slot. Order is preserved.
func (h *HealthTracker) Filter(set CandidateSet) CandidateSet {
	out := CandidateSet{RuleID: set.RuleID, Directive: set.Directive}
	for _, c := range set.Items {
		admit, probe := h.admit(c.Model.Ref())
		if !admit {
			continue
		}
		c.Probe = probe
		out.Items = append(out.Items, c)
	}
	return out
}

// percentileDuration returns the nth percentile of the samples. The
// input is copied so callers can keep appending.
func percentileDuration(samples []time.Duration, percentile int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := (len(sorted) * percentile) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
