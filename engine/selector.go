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
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
)

// Selection is the selector's verdict: the candidate to invoke first and
// the ordered chain to fall back through if it fails.
type Selection struct {
	Primary  Candidate
	Fallback []Candidate
}

// ChainRefs returns the full attempt order, primary first.
func (s Selection) ChainRefs() []string {
	refs := make([]string, 0, 1+len(s.Fallback))
	refs = append(refs, s.Primary.Model.Ref())
	for _, c := range s.Fallback {
		refs = append(refs, c.Model.Ref())
	}
	return refs
}

// hashUnit maps a string to [0, 1) deterministically.
func hashUnit(s string) float64 {
	h := sha256.Sum256([]byte(s))
	v := binary.BigEndian.Uint64(h[:8])
	return float64(v) / float64(math.MaxUint64)
}

// SelectCandidate picks the primary model and fallback chain from a
// gated candidate set. Given the same set and audit id the result is
// identical, so a persisted trace can be replayed. Weighted directives
// draw from a point derived from the audit id; ordered and single
// directives take the head of the list. The remainder becomes the
// fallback chain, ordered by weight for weighted directives with health
// score breaking ties.
func SelectCandidate(set CandidateSet, auditID string, scores map[string]float64) (Selection, error) {
	if set.Empty() {
		return Selection{}, denyFor(StageSelection)
	}

	idx := 0
	if set.Directive == DirectiveWeighted && len(set.Items) > 1 {
		idx = weightedIndex(set.Items, hashUnit("select|"+auditID))
	}

	sel := Selection{Primary: set.Items[idx]}
	for i, c := range set.Items {
		if i != idx {
			sel.Fallback = append(sel.Fallback, c)
		}
	}

	if set.Directive == DirectiveWeighted && len(sel.Fallback) > 1 {
		sort.SliceStable(sel.Fallback, func(i, j int) bool {
			a, b := sel.Fallback[i], sel.Fallback[j]
			if a.Weight != b.Weight {
				return a.Weight > b.Weight
			}
			return scores[a.Model.Ref()] > scores[b.Model.Ref()]
		})
	}

	return sel, nil
}

// weightedIndex maps a point in [0, 1) onto the cumulative weight
// distribution. Non-positive totals degrade to a uniform draw so a
// re-weighted set with zeroed entries still selects.
func weightedIndex(items []Candidate, point float64) int {
	total := 0.0
	for _, c := range items {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		return int(point * float64(len(items)))
	}

	target := point * total
	cum := 0.0
	for i, c := range items {
		if c.Weight <= 0 {
			continue
		}
		cum += c.Weight
		if target < cum {
			return i
		}
	}
	// Floating point accumulation can land the target a hair past the
	// last bucket.
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Weight > 0 {
			return i
		}
	}
	return len(items) - 1
}
