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

// Package registry maintains the catalog of providers and models the engine
// is allowed to route to. The engine never mutates catalog entries during
// request handling; it reads immutable snapshots taken at request start.
package registry

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ComplianceTag classifies where a model's inference happens.
type ComplianceTag string

const (
	// ComplianceInternal marks models hosted inside the deployment boundary.
	ComplianceInternal ComplianceTag = "internal"

	// ComplianceExternal marks models served by an outside provider.
	ComplianceExternal ComplianceTag = "external"
)

// ModelDescriptor identifies a routable (provider, model, version) triple
// together with the metadata the routing pipeline needs: unit prices,
// capability tags, compliance classification, and an enabled flag.
type ModelDescriptor struct {
	Provider     string        `json:"provider" yaml:"provider"`
	Model        string        `json:"model" yaml:"model"`
	Version      string        `json:"version,omitempty" yaml:"version,omitempty"`
	InputPer1K   float64       `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K  float64       `json:"output_per_1k" yaml:"output_per_1k"`
	Capabilities []string      `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Compliance   ComplianceTag `json:"compliance" yaml:"compliance"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
}

// Ref returns the canonical "provider/model" reference used by policies,
// subscriptions, and traces.
func (d ModelDescriptor) Ref() string {
	return d.Provider + "/" + d.Model
}

// BlendedPricePer1K is the price used when ordering candidates by cost.
// Output tokens dominate spend for completion traffic, so they are weighted
// heavier than input tokens.
func (d ModelDescriptor) BlendedPricePer1K() float64 {
	return d.InputPer1K*0.25 + d.OutputPer1K*0.75
}

// ParseRef splits a "provider/model" reference.
func ParseRef(ref string) (provider, model string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model reference %q (want provider/model)", ref)
	}
	return parts[0], parts[1], nil
}

// Registry holds the live catalog. Mutations come from the catalog file,
// the database loader, or admin calls; readers take snapshots.
type Registry struct {
	models map[string]ModelDescriptor // keyed by Ref()
	mu     sync.RWMutex
	logger *log.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		models: make(map[string]ModelDescriptor),
		logger: log.New(os.Stdout, "[Registry] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert adds or replaces a catalog entry.
func (r *Registry) Upsert(d ModelDescriptor) error {
	if d.Provider == "" || d.Model == "" {
		return fmt.Errorf("model descriptor requires provider and model")
	}
	if d.Compliance != ComplianceInternal && d.Compliance != ComplianceExternal {
		return fmt.Errorf("model %s: unknown compliance tag %q", d.Ref(), d.Compliance)
	}

	r.mu.Lock()
	r.models[d.Ref()] = d
	r.mu.Unlock()
	return nil
}

// SetEnabled flips the enabled flag on an entry.
func (r *Registry) SetEnabled(ref string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.models[ref]
	if !ok {
		return fmt.Errorf("model %s not in catalog", ref)
	}
	d.Enabled = enabled
	r.models[ref] = d
	return nil
}

// Lookup resolves a reference against the live catalog.
func (r *Registry) Lookup(ref string) (ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[ref]
	return d, ok
}

// Snapshot returns an immutable copy of the catalog keyed by Ref().
// Request handling resolves every model against one snapshot so a catalog
// update mid-request cannot produce a mixed view.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ModelDescriptor, len(r.models))
	for ref, d := range r.models {
		caps := make([]string, len(d.Capabilities))
		copy(caps, d.Capabilities)
		d.Capabilities = caps
		out[ref] = d
	}
	return Snapshot{models: out, takenAt: time.Now().UTC()}
}

// Len returns the number of catalog entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// Snapshot is a point-in-time, read-only view of the catalog.
type Snapshot struct {
	models  map[string]ModelDescriptor
	takenAt time.Time
}

// Lookup resolves a "provider/model" reference.
func (s Snapshot) Lookup(ref string) (ModelDescriptor, bool) {
	d, ok := s.models[ref]
	return d, ok
}

// TakenAt reports when the snapshot was captured.
func (s Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Models returns all entries ordered by reference for stable iteration.
func (s Snapshot) Models() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(s.models))
	for _, d := range s.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}

// LoadFromDB refreshes the catalog from the model_catalog table. Rows replace
// matching entries; entries absent from the table are kept so a partial sync
// never empties the catalog.
func (r *Registry) LoadFromDB(db *sql.DB) (int, error) {
	rows, err := db.Query(`SELECT provider, model, version, input_per_1k, output_per_1k,
		capabilities, compliance, enabled FROM model_catalog`)
	if err != nil {
		return 0, fmt.Errorf("failed to query model catalog: %w", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var d ModelDescriptor
		var version sql.NullString
		var caps sql.NullString
		if err := rows.Scan(&d.Provider, &d.Model, &version, &d.InputPer1K,
			&d.OutputPer1K, &caps, &d.Compliance, &d.Enabled); err != nil {
			return loaded, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		d.Version = version.String
		if caps.Valid && caps.String != "" {
			d.Capabilities = strings.Split(caps.String, ",")
		}
		if err := r.Upsert(d); err != nil {
			r.logger.Printf("Skipping invalid catalog row %s/%s: %v", d.Provider, d.Model, err)
			continue
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return loaded, err
	}

	r.logger.Printf("Loaded %d models from database catalog", loaded)
	return loaded, nil
}
