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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCandidateSet(t *testing.T, refs ...string) CandidateSet {
	t.Helper()
	snap := testSnapshot(t)
	set := CandidateSet{RuleID: "r1", Directive: DirectiveOrdered}
	for _, ref := range refs {
		d, ok := snap.Lookup(ref)
		require.True(t, ok, "unknown test model %s", ref)
		set.Items = append(set.Items, Candidate{Model: d, Weight: 1, RuleID: "r1"})
	}
	return set
}

func TestResolveSubscriptionPrecedence(t *testing.T) {
	store, err := NewSubscriptionStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Subscription{Scope: ScopeTenant, TargetID: "acme", Models: []string{"openai/gpt-4o", "anthropic/claude-sonnet"}, Enabled: true}))
	require.NoError(t, store.Upsert(ctx, Subscription{Scope: ScopeApp, TargetID: "support-bot", Models: []string{"anthropic/claude-sonnet"}, Enabled: true}))

	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}
	precedence := []SubscriptionScope{ScopeApp, ScopeTeam, ScopeTenant}

	sub, ok := store.ResolveSubscription(precedence, rc)
	require.True(t, ok)
	assert.Equal(t, ScopeApp, sub.Scope)

	// Without an app identifier the tenant subscription applies.
	rc = &RequestContext{TenantID: "acme"}
	sub, ok = store.ResolveSubscription(precedence, rc)
	require.True(t, ok)
	assert.Equal(t, ScopeTenant, sub.Scope)
}

func TestSubscriptionResolutionIsExclusive(t *testing.T) {
	store, err := NewSubscriptionStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	// The tenant permits the model, but the app-level subscription wins
	// and permits something else entirely.
	require.NoError(t, store.Upsert(ctx, Subscription{Scope: ScopeTenant, TargetID: "acme", Models: []string{"openai/gpt-4o"}, Enabled: true}))
	require.NoError(t, store.Upsert(ctx, Subscription{Scope: ScopeApp, TargetID: "support-bot", Models: []string{"selfhosted/llama-3-70b"}, Enabled: true}))

	set := testCandidateSet(t, "openai/gpt-4o", "anthropic/claude-sonnet")
	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}

	got := store.Filter(set, []SubscriptionScope{ScopeApp, ScopeTeam, ScopeTenant}, rc)
	assert.True(t, got.Empty(), "app scope matched first, so the tenant allow-list must not rescue the set")
}

func TestSubscriptionDisabledScopeIsSkipped(t *testing.T) {
	store, err := NewSubscriptionStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Subscription{Scope: ScopeApp, TargetID: "support-bot", Models: []string{"selfhosted/llama-3-70b"}, Enabled: false}))
	require.NoError(t, store.Upsert(ctx, Subscription{Scope: ScopeTenant, TargetID: "acme", Models: []string{"openai/gpt-4o"}, Enabled: true}))

	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}
	sub, ok := store.ResolveSubscription([]SubscriptionScope{ScopeApp, ScopeTeam, ScopeTenant}, rc)
	require.True(t, ok)
	assert.Equal(t, ScopeTenant, sub.Scope, "disabled subscriptions do not bind their scope")
}

func TestFilterDeniesAllWithoutSubscription(t *testing.T) {
	store, err := NewSubscriptionStore()
	require.NoError(t, err)
	defer store.Close()

	set := testCandidateSet(t, "openai/gpt-4o", "anthropic/claude-sonnet")
	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}

	got := store.Filter(set, []SubscriptionScope{ScopeApp, ScopeTeam, ScopeTenant}, rc)
	assert.True(t, got.Empty())
	assert.Equal(t, "r1", got.RuleID, "stage metadata survives narrowing")
}

func TestSubscriptionBareModelNameMatches(t *testing.T) {
	store, err := NewSubscriptionStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, Subscription{Scope: ScopeTenant, TargetID: "acme", Models: []string{"gpt-4o"}, Enabled: true}))

	set := testCandidateSet(t, "openai/gpt-4o", "anthropic/claude-sonnet")
	got := store.Filter(set, []SubscriptionScope{ScopeTenant}, &RequestContext{TenantID: "acme"})
	require.Len(t, got.Items, 1)
	assert.Equal(t, "openai/gpt-4o", got.Items[0].Model.Ref())
}

func TestSubscriptionUpsertValidation(t *testing.T) {
	store, err := NewSubscriptionStore()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	err = store.Upsert(ctx, Subscription{Scope: "org", TargetID: "acme"})
	assert.Error(t, err)

	err = store.Upsert(ctx, Subscription{Scope: ScopeTenant})
	assert.Error(t, err)
}
