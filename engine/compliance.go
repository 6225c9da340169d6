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

import "axonflow/engine/registry"

// requiresContainment reports whether the request may only touch models
// whose weights and serving stay inside the boundary. Sensitivity at or
// above the policy threshold forces containment, as does any request tag
// on the policy's blocked list. Unknown sensitivity labels rank above
// restricted, so typos harden rather than loosen.
func requiresContainment(rc *RequestContext, pol *Policy) bool {
	if rc.Sensitivity != "" && rc.Sensitivity.Rank() >= pol.EffectiveSensitivityThreshold().Rank() {
		return true
	}
	for _, blocked := range pol.BlockedTags {
		if rc.HasTag(blocked) {
			return true
		}
	}
	return false
}

// FilterByCompliance drops external models for contained requests. The
// stage only narrows; internal models always pass. Everything downstream
// relies on this stage having run, so the selected model is eligible by
// construction.
func FilterByCompliance(set CandidateSet, rc *RequestContext, pol *Policy) CandidateSet {
	if !requiresContainment(rc, pol) {
		return set
	}

	out := CandidateSet{RuleID: set.RuleID, Directive: set.Directive}
	for _, c := range set.Items {
		if c.Model.Compliance == registry.ComplianceInternal {
			out.Items = append(out.Items, c)
		}
	}
	return out
}
