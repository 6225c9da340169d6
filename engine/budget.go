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
	"database/sql"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultLowWaterPct = 0.1

// budgetKeyTTL keeps monthly counters around a little past their month.
const budgetKeyTTL = 40 * 24 * time.Hour

var spendSchemas = map[string]string{
	DialectPostgres: `
	CREATE TABLE IF NOT EXISTS spend_ledger (
		id SERIAL PRIMARY KEY,
		tenant_id VARCHAR(100) NOT NULL,
		app_id VARCHAR(100) NOT NULL,
		period CHAR(7) NOT NULL,
		spend_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (tenant_id, app_id, period)
	);

	CREATE INDEX IF NOT EXISTS idx_spend_period ON spend_ledger(period);
	`,
	DialectMySQL: `
	CREATE TABLE IF NOT EXISTS spend_ledger (
		id INT AUTO_INCREMENT PRIMARY KEY,
		tenant_id VARCHAR(100) NOT NULL,
		app_id VARCHAR(100) NOT NULL,
		period CHAR(7) NOT NULL,
		spend_usd DOUBLE NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uq_spend (tenant_id, app_id, period)
	);
	`,
}

// BudgetLedger accumulates per (tenant, app) spend for the current
// calendar month. Redis holds the live counter shared across engine
// instances; the relational ledger is the durable record. When Redis is
// unreachable the ledger fails open onto a process-local counter, which
// trades cross-instance accuracy for availability. Budget gating is a
// cost control, not a security boundary, so that trade is acceptable.
type BudgetLedger struct {
	db      *sql.DB
	dialect string
	redis   *redis.Client
	logger  *log.Logger

	mu    sync.Mutex
	local map[string]float64

	now func() time.Time
}

// BudgetOption configures a BudgetLedger.
type BudgetOption func(*BudgetLedger)

// WithBudgetDatabase attaches the durable spend ledger.
func WithBudgetDatabase(db *sql.DB, dialect string) BudgetOption {
	return func(l *BudgetLedger) {
		l.db = db
		l.dialect = dialect
	}
}

// WithBudgetRedis attaches the shared live counter.
func WithBudgetRedis(client *redis.Client) BudgetOption {
	return func(l *BudgetLedger) { l.redis = client }
}

// NewBudgetLedger builds the ledger and bootstraps the spend schema when
// a database is attached.
func NewBudgetLedger(opts ...BudgetOption) (*BudgetLedger, error) {
	l := &BudgetLedger{
		logger: log.New(os.Stdout, "[BUDGET] ", log.LstdFlags),
		local:  make(map[string]float64),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.db != nil {
		schema, ok := spendSchemas[l.dialect]
		if !ok {
			return nil, fmt.Errorf("unsupported spend ledger dialect %q", l.dialect)
		}
		if _, err := l.db.Exec(schema); err != nil {
			return nil, fmt.Errorf("failed to create spend schema: %w", err)
		}
	}

	return l, nil
}

func (l *BudgetLedger) period() string {
	return l.now().UTC().Format("2006-01")
}

func budgetKey(tenantID, appID, period string) string {
	return fmt.Sprintf("budget:%s:%s:%s", tenantID, appID, period)
}

// Record adds one invocation's cost to the live counter and the durable
// ledger. Called on the async recording path, so the SQL write happens
// inline here.
func (l *BudgetLedger) Record(ctx context.Context, tenantID, appID string, usd float64) {
	if usd <= 0 {
		return
	}
	period := l.period()
	key := budgetKey(tenantID, appID, period)

	l.mu.Lock()
	l.local[key] += usd
	l.mu.Unlock()

	if l.redis != nil {
		pipe := l.redis.Pipeline()
		pipe.IncrByFloat(ctx, key, usd)
		pipe.Expire(ctx, key, budgetKeyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			l.logger.Printf("Warning: Redis spend update failed for %s: %v", key, err)
		}
	}

	if l.db != nil {
		var upsert string
		switch l.dialect {
		case DialectMySQL:
			upsert = rebind(l.dialect, `
				INSERT INTO spend_ledger (tenant_id, app_id, period, spend_usd)
				VALUES ($1, $2, $3, $4)
				ON DUPLICATE KEY UPDATE spend_usd = spend_usd + VALUES(spend_usd)
			`)
		default:
			upsert = `
				INSERT INTO spend_ledger (tenant_id, app_id, period, spend_usd)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (tenant_id, app_id, period) DO UPDATE SET
					spend_usd = spend_ledger.spend_usd + EXCLUDED.spend_usd,
					updated_at = CURRENT_TIMESTAMP
			`
		}
		if _, err := l.db.ExecContext(ctx, upsert, tenantID, appID, period, usd); err != nil {
			l.logger.Printf("Failed to persist spend for %s/%s: %v", tenantID, appID, err)
		}
	}
}

// Spent returns the current month's accumulated spend. Redis is asked
// first; on any error the process-local counter answers, failing open.
func (l *BudgetLedger) Spent(ctx context.Context, tenantID, appID string) float64 {
	period := l.period()
	key := budgetKey(tenantID, appID, period)

	if l.redis != nil {
		val, err := l.redis.Get(ctx, key).Float64()
		switch {
		case err == nil:
			return val
		case err == redis.Nil:
			return 0
		default:
			l.logger.Printf("Warning: Redis spend read failed for %s: %v (using local counter)", key, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.local[key]
}

// SyncFromDB seeds the live counters from the durable ledger, for a
// fresh instance or a Redis that lost its keys. Redis is only moved
// forward, never down.
func (l *BudgetLedger) SyncFromDB(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	period := l.period()

	query := rebind(l.dialect, `
		SELECT tenant_id, app_id, spend_usd
		FROM spend_ledger
		WHERE period = $1
	`)
	rows, err := l.db.QueryContext(ctx, query, period)
	if err != nil {
		return fmt.Errorf("failed to query spend ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seeded := 0
	for rows.Next() {
		var tenantID, appID string
		var spend float64
		if err := rows.Scan(&tenantID, &appID, &spend); err != nil {
			l.logger.Printf("Error scanning spend row: %v", err)
			continue
		}
		key := budgetKey(tenantID, appID, period)

		l.mu.Lock()
		if spend > l.local[key] {
			l.local[key] = spend
		}
		l.mu.Unlock()

		if l.redis != nil {
			current, err := l.redis.Get(ctx, key).Float64()
			if err != nil && err != redis.Nil {
				continue
			}
			if spend > current {
				if err := l.redis.Set(ctx, key, spend, budgetKeyTTL).Err(); err != nil {
					l.logger.Printf("Warning: Redis spend seed failed for %s: %v", key, err)
				}
			}
		}
		seeded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating spend ledger: %w", err)
	}

	l.logger.Printf("Seeded %d spend counters for period %s", seeded, period)
	return nil
}

// BudgetDecision is what the gate concluded for one request, carried
// into the trace.
type BudgetDecision struct {
	Limit     float64 `json:"limit"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
	LowWater  bool    `json:"low_water,omitempty"`
	Exhausted bool    `json:"exhausted,omitempty"`
}

// Gate applies the budget rules to a candidate set. Below the low-water
// mark candidates reorder cheapest first; at exhaustion everything above
// the policy's minimal price threshold is dropped. An emptied set means
// the caller owes a budget_exceeded deny, not a routing error.
func (l *BudgetLedger) Gate(ctx context.Context, set CandidateSet, rc *RequestContext, pol *Policy, pricing *PricingTable) (CandidateSet, BudgetDecision) {
	limit := pol.Budget.MonthlyUSD
	if limit <= 0 || set.Empty() {
		return set, BudgetDecision{Limit: limit}
	}

	spent := l.Spent(ctx, rc.TenantID, rc.AppID)
	decision := BudgetDecision{
		Limit:     limit,
		Spent:     spent,
		Remaining: limit - spent,
	}

	lowWater := pol.Budget.LowWaterPct
	if lowWater <= 0 {
		lowWater = defaultLowWaterPct
	}

	if decision.Remaining <= 0 {
		decision.Exhausted = true
		out := CandidateSet{RuleID: set.RuleID, Directive: set.Directive}
		for _, c := range set.Items {
			if pricing.BlendedPricePer1K(c.Model) <= pol.Budget.MinimalPricePer1K {
				out.Items = append(out.Items, c)
			}
		}
		return out, decision
	}

	if decision.Remaining <= limit*lowWater {
		decision.LowWater = true
		out := set.Clone()
		sort.SliceStable(out.Items, func(i, j int) bool {
			return pricing.BlendedPricePer1K(out.Items[i].Model) < pricing.BlendedPricePer1K(out.Items[j].Model)
		})
		return out, decision
	}

	return set, decision
}
