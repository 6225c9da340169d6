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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for internal signaling.
var (
	// ErrPolicyNotFound means no active policy exists for the app.
	ErrPolicyNotFound = errors.New("no active policy for app")

	// ErrAdapterNotConfigured means a candidate's provider has no adapter.
	ErrAdapterNotConfigured = errors.New("no adapter configured for provider")

	// ErrEngineClosed is returned once shutdown has begun.
	ErrEngineClosed = errors.New("engine is shut down")
)

// DenyReason explains a PolicyDenyError to the caller.
type DenyReason string

const (
	DenyNoEligibleModel DenyReason = "no_eligible_model"
	DenyBudgetExceeded  DenyReason = "budget_exceeded"
	DenyComplianceBlock DenyReason = "compliance_block"
)

// PolicyDenyError is a governed refusal: the pipeline emptied the
// candidate set. It is reported to the caller and never retried.
type PolicyDenyError struct {
	Reason  DenyReason
	Stage   string // pipeline stage that emptied the set
	AuditID string
}

// Error implements the error interface.
func (e *PolicyDenyError) Error() string {
	return fmt.Sprintf("request denied (%s) at stage %s", e.Reason, e.Stage)
}

// denyFor maps the emptying stage to its reason. Budget and compliance
// refusals carry their own reasons; everything else is no_eligible_model.
func denyFor(stage string) *PolicyDenyError {
	reason := DenyNoEligibleModel
	switch stage {
	case StageBudget:
		reason = DenyBudgetExceeded
	case StageCompliance:
		reason = DenyComplianceBlock
	}
	return &PolicyDenyError{Reason: reason, Stage: stage}
}

// IsPolicyDeny reports whether err is a governed refusal and returns its
// reason.
func IsPolicyDeny(err error) (DenyReason, bool) {
	var deny *PolicyDenyError
	if errors.As(err, &deny) {
		return deny.Reason, true
	}
	return "", false
}

// ExhaustedFallbackError means every candidate in the fallback chain
// failed. Surfaced as a 5xx-equivalent with the attempted chain and a
// remediation hint.
type ExhaustedFallbackError struct {
	Attempted []string
	Hint      string
	LastErr   error
}

// Error implements the error interface.
func (e *ExhaustedFallbackError) Error() string {
	return fmt.Sprintf("all candidates failed (%s): %v", strings.Join(e.Attempted, " -> "), e.LastErr)
}

// Unwrap returns the final provider error.
func (e *ExhaustedFallbackError) Unwrap() error {
	return e.LastErr
}

// InvalidPolicyError rejects a policy version at load time. Invalid
// versions never become active and never reach request handling.
type InvalidPolicyError struct {
	AppID      string
	Version    string
	Violations []string
}

// Error implements the error interface.
func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("policy %s/%s invalid: %s", e.AppID, e.Version, strings.Join(e.Violations, "; "))
}
