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
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetRecordAndSpent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ledger, err := NewBudgetLedger(WithBudgetRedis(client))
	require.NoError(t, err)

	ctx := context.Background()
	ledger.Record(ctx, "acme", "support-bot", 1.25)
	ledger.Record(ctx, "acme", "support-bot", 0.75)
	ledger.Record(ctx, "acme", "other-app", 5.0)

	assert.InDelta(t, 2.0, ledger.Spent(ctx, "acme", "support-bot"), 1e-9)
	assert.InDelta(t, 5.0, ledger.Spent(ctx, "acme", "other-app"), 1e-9)
	assert.Zero(t, ledger.Spent(ctx, "acme", "unseen"))
}

func TestBudgetFailsOpenToLocalCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	ledger, err := NewBudgetLedger(WithBudgetRedis(client))
	require.NoError(t, err)

	ctx := context.Background()
	ledger.Record(ctx, "acme", "support-bot", 3.0)

	// Redis goes away; the local counter still answers.
	mr.Close()
	assert.InDelta(t, 3.0, ledger.Spent(ctx, "acme", "support-bot"), 1e-9)
}

func TestBudgetGateLowWaterReorders(t *testing.T) {
	ledger, err := NewBudgetLedger()
	require.NoError(t, err)
	pricing := NewPricingTable()

	ctx := context.Background()
	ledger.Record(ctx, "acme", "support-bot", 96.0)

	pol := &Policy{
		AppID: "support-bot", Version: "1",
		Budget: BudgetLimits{MonthlyUSD: 100, LowWaterPct: 0.1},
	}
	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}

	// gpt-4o blends dearer than llama-3-70b.
	set := testCandidateSet(t, "openai/gpt-4o", "selfhosted/llama-3-70b")
	got, decision := ledger.Gate(ctx, set, rc, pol, pricing)

	assert.True(t, decision.LowWater)
	assert.False(t, decision.Exhausted)
	require.Len(t, got.Items, 2)
	assert.Equal(t, []string{"selfhosted/llama-3-70b", "openai/gpt-4o"}, got.Refs())

	// The input set is untouched.
	assert.Equal(t, []string{"openai/gpt-4o", "selfhosted/llama-3-70b"}, set.Refs())
}

func TestBudgetGateExhaustedKeepsMinimalOnly(t *testing.T) {
	ledger, err := NewBudgetLedger()
	require.NoError(t, err)
	pricing := NewPricingTable()

	ctx := context.Background()
	ledger.Record(ctx, "acme", "support-bot", 100.0)

	pol := &Policy{
		AppID: "support-bot", Version: "1",
		Budget: BudgetLimits{MonthlyUSD: 100, MinimalPricePer1K: 0.001},
	}
	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}

	set := testCandidateSet(t, "openai/gpt-4o", "selfhosted/llama-3-8b")
	got, decision := ledger.Gate(ctx, set, rc, pol, pricing)

	assert.True(t, decision.Exhausted)
	assert.Equal(t, []string{"selfhosted/llama-3-8b"}, got.Refs())
}

func TestBudgetGateExhaustedCanEmpty(t *testing.T) {
	ledger, err := NewBudgetLedger()
	require.NoError(t, err)
	pricing := NewPricingTable()

	ctx := context.Background()
	ledger.Record(ctx, "acme", "support-bot", 150.0)

	pol := &Policy{
		AppID: "support-bot", Version: "1",
		Budget: BudgetLimits{MonthlyUSD: 100}, // minimal threshold zero
	}
	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}

	set := testCandidateSet(t, "openai/gpt-4o", "anthropic/claude-sonnet")
	got, decision := ledger.Gate(ctx, set, rc, pol, pricing)

	assert.True(t, decision.Exhausted)
	assert.True(t, got.Empty(), "nothing at or below a zero minimal threshold")
}

func TestBudgetGateNoLimitPassesThrough(t *testing.T) {
	ledger, err := NewBudgetLedger()
	require.NoError(t, err)
	pricing := NewPricingTable()

	pol := &Policy{AppID: "support-bot", Version: "1"}
	rc := &RequestContext{TenantID: "acme", AppID: "support-bot"}

	set := testCandidateSet(t, "openai/gpt-4o", "selfhosted/llama-3-8b")
	got, decision := ledger.Gate(context.Background(), set, rc, pol, pricing)

	assert.Equal(t, set.Refs(), got.Refs())
	assert.False(t, decision.LowWater)
	assert.False(t, decision.Exhausted)
}

func TestBudgetPeriodsAreIsolated(t *testing.T) {
	ledger, err := NewBudgetLedger()
	require.NoError(t, err)

	base := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return base }

	ctx := context.Background()
	ledger.Record(ctx, "acme", "support-bot", 40.0)
	assert.InDelta(t, 40.0, ledger.Spent(ctx, "acme", "support-bot"), 1e-9)

	// Next month starts clean.
	ledger.now = func() time.Time { return base.AddDate(0, 1, 0) }
	assert.Zero(t, ledger.Spent(ctx, "acme", "support-bot"))
}
