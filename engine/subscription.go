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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

var subscriptionSchemas = map[string]string{
	DialectPostgres: `
	CREATE TABLE IF NOT EXISTS model_subscriptions (
		id SERIAL PRIMARY KEY,
		scope VARCHAR(20) NOT NULL,
		target_id VARCHAR(100) NOT NULL,
		models JSONB NOT NULL,
		enabled BOOLEAN DEFAULT true,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (scope, target_id)
	);

	CREATE INDEX IF NOT EXISTS idx_subscriptions_target ON model_subscriptions(target_id);
	`,
	DialectMySQL: `
	CREATE TABLE IF NOT EXISTS model_subscriptions (
		id INT AUTO_INCREMENT PRIMARY KEY,
		scope VARCHAR(20) NOT NULL,
		target_id VARCHAR(100) NOT NULL,
		models JSON NOT NULL,
		enabled BOOLEAN DEFAULT true,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uq_subscriptions (scope, target_id)
	);
	`,
}

// SubscriptionStore caches model subscriptions per (scope, target).
// Absence of any subscription denies all models; a tenant has to opt in
// before anything routes.
type SubscriptionStore struct {
	db      *sql.DB
	dialect string
	logger  *log.Logger

	mu   sync.RWMutex
	subs map[string]Subscription

	refreshEvery time.Duration
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// SubscriptionStoreOption configures a SubscriptionStore.
type SubscriptionStoreOption func(*SubscriptionStore)

// WithSubscriptionDatabase backs the store with a relational database.
func WithSubscriptionDatabase(db *sql.DB, dialect string) SubscriptionStoreOption {
	return func(s *SubscriptionStore) {
		s.db = db
		s.dialect = dialect
	}
}

// WithSubscriptionRefreshInterval overrides the background reload
// cadence. Zero disables background reloads.
func WithSubscriptionRefreshInterval(d time.Duration) SubscriptionStoreOption {
	return func(s *SubscriptionStore) { s.refreshEvery = d }
}

// NewSubscriptionStore builds the store, bootstraps the schema when a
// database is attached, and starts the background refresh loop.
func NewSubscriptionStore(opts ...SubscriptionStoreOption) (*SubscriptionStore, error) {
	s := &SubscriptionStore{
		logger:       log.New(os.Stdout, "[SUBSCRIPTIONS] ", log.LstdFlags),
		subs:         make(map[string]Subscription),
		refreshEvery: DefaultPolicyRefreshInterval,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.db != nil {
		schema, ok := subscriptionSchemas[s.dialect]
		if !ok {
			return nil, fmt.Errorf("unsupported subscription store dialect %q", s.dialect)
		}
		if _, err := s.db.Exec(schema); err != nil {
			return nil, fmt.Errorf("failed to create subscription schema: %w", err)
		}
		if err := s.Refresh(context.Background()); err != nil {
			s.logger.Printf("Warning: initial subscription load failed: %v", err)
		}
		if s.refreshEvery > 0 {
			go s.backgroundRefresh()
		}
	}

	return s, nil
}

func subscriptionKey(scope SubscriptionScope, targetID string) string {
	return string(scope) + ":" + targetID
}

// Upsert stores a subscription and updates the cache.
func (s *SubscriptionStore) Upsert(ctx context.Context, sub Subscription) error {
	if sub.Scope != ScopeTenant && sub.Scope != ScopeApp && sub.Scope != ScopeTeam {
		return fmt.Errorf("unknown subscription scope %q", sub.Scope)
	}
	if sub.TargetID == "" {
		return fmt.Errorf("subscription target_id is required")
	}

	if s.db != nil {
		models, err := json.Marshal(sub.Models)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription models: %w", err)
		}

		var upsert string
		switch s.dialect {
		case DialectMySQL:
			upsert = rebind(s.dialect, `
				INSERT INTO model_subscriptions (scope, target_id, models, enabled)
				VALUES ($1, $2, $3, $4)
				ON DUPLICATE KEY UPDATE models = VALUES(models), enabled = VALUES(enabled)
			`)
		default:
			upsert = `
				INSERT INTO model_subscriptions (scope, target_id, models, enabled)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (scope, target_id) DO UPDATE SET
					models = EXCLUDED.models,
					enabled = EXCLUDED.enabled,
					updated_at = CURRENT_TIMESTAMP
			`
		}
		if _, err := s.db.ExecContext(ctx, upsert, sub.Scope, sub.TargetID, models, sub.Enabled); err != nil {
			return fmt.Errorf("failed to upsert subscription %s/%s: %w", sub.Scope, sub.TargetID, err)
		}
	}

	s.mu.Lock()
	s.subs[subscriptionKey(sub.Scope, sub.TargetID)] = sub
	s.mu.Unlock()
	return nil
}

// Lookup returns the subscription for one (scope, target), enabled or not.
func (s *SubscriptionStore) Lookup(scope SubscriptionScope, targetID string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[subscriptionKey(scope, targetID)]
	return sub, ok
}

// Refresh reloads all subscriptions from the database.
func (s *SubscriptionStore) Refresh(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	query := rebind(s.dialect, `
		SELECT scope, target_id, models, enabled
		FROM model_subscriptions
	`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	loaded := make(map[string]Subscription)
	for rows.Next() {
		var sub Subscription
		var models []byte
		if err := rows.Scan(&sub.Scope, &sub.TargetID, &models, &sub.Enabled); err != nil {
			s.logger.Printf("Error scanning subscription row: %v", err)
			continue
		}
		if err := json.Unmarshal(models, &sub.Models); err != nil {
			s.logger.Printf("Error parsing models for %s/%s: %v", sub.Scope, sub.TargetID, err)
			continue
		}
		loaded[subscriptionKey(sub.Scope, sub.TargetID)] = sub
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating subscriptions: %w", err)
	}

	s.mu.Lock()
	s.subs = loaded
	s.mu.Unlock()

	s.logger.Printf("Loaded %d subscriptions from database", len(loaded))
	return nil
}

func (s *SubscriptionStore) backgroundRefresh() {
	ticker := time.NewTicker(s.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Refresh(context.Background()); err != nil {
				s.logger.Printf("Background subscription refresh failed: %v", err)
			}
		}
	}
}

// Close stops the background refresh.
func (s *SubscriptionStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// scopeTarget maps a precedence scope to the request's identifier for it.
func scopeTarget(scope SubscriptionScope, rc *RequestContext) string {
	switch scope {
	case ScopeTenant:
		return rc.TenantID
	case ScopeApp:
		return rc.AppID
	case ScopeTeam:
		return rc.TeamID
	default:
		return ""
	}
}

// ResolveSubscription walks the precedence order and returns the first
// enabled subscription. Scopes the request carries no identifier for are
// skipped. Resolution is exclusive: once a scope matches, wider scopes
// are not consulted even if the match permits nothing.
func (s *SubscriptionStore) ResolveSubscription(precedence []SubscriptionScope, rc *RequestContext) (Subscription, bool) {
	for _, scope := range precedence {
		target := scopeTarget(scope, rc)
		if target == "" {
			continue
		}
		sub, ok := s.Lookup(scope, target)
		if !ok || !sub.Enabled {
			continue
		}
		return sub, true
	}
	return Subscription{}, false
}

// Filter narrows the candidate set to models the resolved subscription
// permits. No resolvable subscription means deny-all.
func (s *SubscriptionStore) Filter(set CandidateSet, precedence []SubscriptionScope, rc *RequestContext) CandidateSet {
	sub, ok := s.ResolveSubscription(precedence, rc)
	if !ok {
		return CandidateSet{RuleID: set.RuleID, Directive: set.Directive}
	}

	out := CandidateSet{RuleID: set.RuleID, Directive: set.Directive}
	for _, c := range set.Items {
		if sub.permits(c.Model) {
			out.Items = append(out.Items, c)
		}
	}
	return out
}
