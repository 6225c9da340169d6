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

	"axonflow/engine/registry"
)

// DefaultPolicyRefreshInterval is how often DB-backed policies reload.
const DefaultPolicyRefreshInterval = 30 * time.Second

var policySchemas = map[string]string{
	DialectPostgres: `
	CREATE TABLE IF NOT EXISTS routing_policies (
		id SERIAL PRIMARY KEY,
		app_id VARCHAR(100) NOT NULL,
		version VARCHAR(50) NOT NULL,
		document JSONB NOT NULL,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (app_id, version)
	);

	CREATE INDEX IF NOT EXISTS idx_routing_policies_app ON routing_policies(app_id);
	CREATE INDEX IF NOT EXISTS idx_routing_policies_enabled ON routing_policies(enabled);
	`,
	DialectMySQL: `
	CREATE TABLE IF NOT EXISTS routing_policies (
		id INT AUTO_INCREMENT PRIMARY KEY,
		app_id VARCHAR(100) NOT NULL,
		version VARCHAR(50) NOT NULL,
		document JSON NOT NULL,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_routing_policies (app_id, version),
		KEY idx_routing_policies_app (app_id)
	);
	`,
}

// PolicyStore serves the active policy per app from an in-memory cache
// backed by the relational store. Policy versions are immutable rows;
// the newest enabled version of an app wins. With no database the store
// serves file-seeded policies only, which keeps local development DB-free.
type PolicyStore struct {
	db       *sql.DB
	dialect  string
	registry *registry.Registry
	logger   *log.Logger

	mu          sync.RWMutex
	policies    map[string]*Policy
	lastRefresh time.Time

	refreshEvery time.Duration
	refreshing   bool
	refreshMu    sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// PolicyStoreOption configures a PolicyStore.
type PolicyStoreOption func(*PolicyStore)

// WithPolicyDatabase backs the store with a relational database.
func WithPolicyDatabase(db *sql.DB, dialect string) PolicyStoreOption {
	return func(s *PolicyStore) {
		s.db = db
		s.dialect = dialect
	}
}

// WithPolicyRefreshInterval overrides the background reload cadence.
// Zero disables background reloads.
func WithPolicyRefreshInterval(d time.Duration) PolicyStoreOption {
	return func(s *PolicyStore) { s.refreshEvery = d }
}

// WithPolicyLogger overrides the store's logger.
func WithPolicyLogger(l *log.Logger) PolicyStoreOption {
	return func(s *PolicyStore) { s.logger = l }
}

// NewPolicyStore builds the store and, when a database is attached,
// bootstraps the schema, loads the current policies, and starts the
// background refresh loop.
func NewPolicyStore(reg *registry.Registry, opts ...PolicyStoreOption) (*PolicyStore, error) {
	s := &PolicyStore{
		registry:     reg,
		logger:       log.New(os.Stdout, "[POLICY_STORE] ", log.LstdFlags),
		policies:     make(map[string]*Policy),
		refreshEvery: DefaultPolicyRefreshInterval,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.db != nil {
		schema, ok := policySchemas[s.dialect]
		if !ok {
			return nil, fmt.Errorf("unsupported policy store dialect %q", s.dialect)
		}
		if _, err := s.db.Exec(schema); err != nil {
			return nil, fmt.Errorf("failed to create policy schema: %w", err)
		}
		if err := s.Refresh(context.Background()); err != nil {
			s.logger.Printf("Warning: initial policy load failed: %v", err)
		}
		if s.refreshEvery > 0 {
			go s.backgroundRefresh()
		}
	}

	return s, nil
}

// Save validates the policy against the current catalog and inserts it
// as a new immutable version. Existing versions are never rewritten.
func (s *PolicyStore) Save(ctx context.Context, p *Policy) error {
	if err := ValidatePolicy(p, s.registry.Snapshot()); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	if s.db == nil {
		s.put(p)
		return nil
	}

	document, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal policy %s/%s: %w", p.AppID, p.Version, err)
	}

	insert := rebind(s.dialect, `
		INSERT INTO routing_policies (app_id, version, document, enabled)
		VALUES ($1, $2, $3, true)
	`)
	if _, err := s.db.ExecContext(ctx, insert, p.AppID, p.Version, document); err != nil {
		return fmt.Errorf("failed to insert policy %s/%s: %w", p.AppID, p.Version, err)
	}

	s.put(p)
	s.logger.Printf("Stored policy %s version %s (%d rules)", p.AppID, p.Version, len(p.Rules))
	return nil
}

// Get returns the active policy for an app.
func (s *PolicyStore) Get(appID string) (*Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[appID]
	return p, ok
}

// All returns the active policy of every app, for the admin listing.
func (s *PolicyStore) All() []*Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}

// Refresh reloads all enabled policies from the database. Rows that no
// longer validate against the catalog are skipped, which leaves the
// app's previous valid version active.
func (s *PolicyStore) Refresh(ctx context.Context) error {
	if s.db == nil {
		return nil
	}

	query := rebind(s.dialect, `
		SELECT app_id, version, document
		FROM routing_policies
		WHERE enabled = true
		ORDER BY created_at ASC
	`)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := s.registry.Snapshot()
	loaded := make(map[string]*Policy)
	skipped := 0

	for rows.Next() {
		var appID, version string
		var document []byte
		if err := rows.Scan(&appID, &version, &document); err != nil {
			s.logger.Printf("Error scanning policy row: %v", err)
			continue
		}

		var p Policy
		if err := json.Unmarshal(document, &p); err != nil {
			s.logger.Printf("Error parsing policy %s/%s: %v", appID, version, err)
			skipped++
			continue
		}
		p.AppID = appID
		p.Version = version

		if err := ValidatePolicy(&p, snap); err != nil {
			s.logger.Printf("Skipping policy %s/%s: %v", appID, version, err)
			skipped++
			continue
		}

		// Rows arrive oldest first, so the newest valid version of an
		// app overwrites its predecessors.
		loaded[appID] = &p
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating policies: %w", err)
	}

	s.mu.Lock()
	s.policies = loaded
	s.lastRefresh = time.Now()
	s.mu.Unlock()

	if skipped > 0 {
		s.logger.Printf("Loaded %d policies from database (%d skipped)", len(loaded), skipped)
	} else {
		s.logger.Printf("Loaded %d policies from database", len(loaded))
	}
	return nil
}

func (s *PolicyStore) backgroundRefresh() {
	ticker := time.NewTicker(s.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.refreshMu.Lock()
		if s.refreshing {
			s.refreshMu.Unlock()
			continue
		}
		s.refreshing = true
		s.refreshMu.Unlock()

		go func() {
			if err := s.Refresh(context.Background()); err != nil {
				s.logger.Printf("Background policy refresh failed: %v", err)
			}
			s.refreshMu.Lock()
			s.refreshing = false
			s.refreshMu.Unlock()
		}()
	}
}

// IsHealthy reports whether the backing store responds and the cache is
// reasonably fresh. File-seeded stores are always healthy.
func (s *PolicyStore) IsHealthy() bool {
	if s.db == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Printf("Policy store health check failed: %v", err)
		return false
	}

	s.mu.RLock()
	age := time.Since(s.lastRefresh)
	s.mu.RUnlock()

	if s.refreshEvery > 0 && age > 10*s.refreshEvery {
		s.logger.Printf("Policy cache is stale: %v old", age)
		return false
	}
	return true
}

// Close stops the background refresh. The shared *sql.DB stays open for
// the other stores that use it.
func (s *PolicyStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *PolicyStore) put(p *Policy) {
	s.mu.Lock()
	s.policies[p.AppID] = p
	s.lastRefresh = time.Now()
	s.mu.Unlock()
}
