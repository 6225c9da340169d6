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
	"sort"
	"sync"
)

// statsRingSize bounds the latency samples kept for percentile
// calculation, matching the per-stage windows elsewhere.
const statsRingSize = 1000

// LatencySummary is the percentile view of recent end-to-end request
// latencies, served by the admin stats endpoint.
type LatencySummary struct {
	SampleCount int     `json:"sample_count"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	AvgMS       float64 `json:"avg_ms"`
}

// statsRing keeps a bounded window of request latencies. Prometheus
// histograms serve dashboards; the ring answers the JSON admin endpoint
// without a scrape round trip.
type statsRing struct {
	mu      sync.Mutex
	samples []int64
}

func newStatsRing() *statsRing {
	return &statsRing{samples: make([]int64, 0, statsRingSize)}
}

func (r *statsRing) record(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) >= statsRingSize {
		r.samples = r.samples[1:]
	}
	r.samples = append(r.samples, ms)
}

func (r *statsRing) summary() LatencySummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := LatencySummary{SampleCount: len(r.samples)}
	if len(r.samples) == 0 {
		return s
	}

	sorted := make([]int64, len(r.samples))
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s.P50MS = percentileInt64(sorted, 50)
	s.P95MS = percentileInt64(sorted, 95)
	s.P99MS = percentileInt64(sorted, 99)

	sum := int64(0)
	for _, v := range sorted {
		sum += v
	}
	s.AvgMS = float64(sum) / float64(len(sorted))
	return s
}

// percentileInt64 expects sorted input.
func percentileInt64(sorted []int64, percentile int) float64 {
	index := (len(sorted) * percentile) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return float64(sorted[index])
}
