// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	lineageQueueSize    = 10000
	lineageBatchSize    = 100
	lineageFlushEvery   = 5 * time.Second
	lineageWriteTimeout = 10 * time.Second

	// lineageMaxRetained bounds the local buffer kept across sink
	// failures. Beyond it the oldest traces are dropped.
	lineageMaxRetained = 5000
)

// TraceSink is an append-only destination for decision traces. Writes
// must be idempotent per audit id so a retried batch never duplicates.
type TraceSink interface {
	WriteTraces(ctx context.Context, traces []*DecisionTrace) error
	Close() error
}

// LineageRecorder persists one DecisionTrace per request without ever
// blocking the response path. Traces are queued, batched, and written in
// the background; failed batches stay buffered locally and ride along
// with the next flush.
type LineageRecorder struct {
	sink   TraceSink
	queue  chan *DecisionTrace
	logger *log.Logger

	mu      sync.Mutex
	pending []*DecisionTrace

	batchSize  int
	flushEvery time.Duration

	persisted atomic.Uint64
	dropped   atomic.Uint64

	wg           sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// LineageOption configures a LineageRecorder.
type LineageOption func(*LineageRecorder)

// WithLineageBatchSize overrides the flush batch size.
func WithLineageBatchSize(n int) LineageOption {
	return func(r *LineageRecorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithLineageFlushInterval overrides the periodic flush interval.
func WithLineageFlushInterval(d time.Duration) LineageOption {
	return func(r *LineageRecorder) {
		if d > 0 {
			r.flushEvery = d
		}
	}
}

// NewLineageRecorder starts the background writer over the given sink.
func NewLineageRecorder(sink TraceSink, opts ...LineageOption) *LineageRecorder {
	r := &LineageRecorder{
		sink:         sink,
		queue:        make(chan *DecisionTrace, lineageQueueSize),
		logger:       log.New(os.Stdout, "[LINEAGE] ", log.LstdFlags),
		batchSize:    lineageBatchSize,
		flushEvery:   lineageFlushEvery,
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.processQueue()

	return r
}

// Record hands one finished trace to the recorder. It never blocks: when
// the queue is full the trace goes straight into the pending batch.
func (r *LineageRecorder) Record(trace *DecisionTrace) {
	if trace == nil {
		return
	}
	select {
	case r.queue <- trace:
	default:
		r.logger.Printf("Lineage queue full, batching trace %s directly", trace.AuditID)
		r.add(trace)
	}
}

// Flush writes everything currently batched.
func (r *LineageRecorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// Close drains the queue, flushes the final batch, and closes the sink.
func (r *LineageRecorder) Close() error {
	r.shutdownOnce.Do(func() {
		close(r.shutdownChan)
	})
	r.wg.Wait()
	if r.sink != nil {
		return r.sink.Close()
	}
	return nil
}

// QueueDepth reports how many traces wait in the queue.
func (r *LineageRecorder) QueueDepth() int {
	return len(r.queue)
}

// Stats reports persisted, locally buffered, and dropped trace counts.
func (r *LineageRecorder) Stats() (persisted, buffered, dropped uint64) {
	r.mu.Lock()
	buffered = uint64(len(r.pending))
	r.mu.Unlock()
	return r.persisted.Load(), buffered, r.dropped.Load()
}

func (r *LineageRecorder) processQueue() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case trace := <-r.queue:
			r.add(trace)
		case <-ticker.C:
			r.Flush()
		case <-r.shutdownChan:
			r.drain()
			r.Flush()
			return
		}
	}
}

// drain empties the queue into the pending batch during shutdown.
func (r *LineageRecorder) drain() {
	for {
		select {
		case trace := <-r.queue:
			r.add(trace)
		default:
			return
		}
	}
}

func (r *LineageRecorder) add(trace *DecisionTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, trace)
	if len(r.pending) >= r.batchSize {
		r.flushLocked()
	}
}

// flushLocked writes the pending batch. On failure the batch is kept for
// the next attempt, trimmed to the retention cap from the oldest end.
func (r *LineageRecorder) flushLocked() {
	if len(r.pending) == 0 || r.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lineageWriteTimeout)
	err := r.sink.WriteTraces(ctx, r.pending)
	cancel()

	if err != nil {
		r.logger.Printf("Failed to write %d trace(s), keeping them buffered: %v", len(r.pending), err)
		if excess := len(r.pending) - lineageMaxRetained; excess > 0 {
			r.dropped.Add(uint64(excess))
			r.logger.Printf("Lineage buffer over capacity, dropping %d oldest trace(s)", excess)
			r.pending = r.pending[excess:]
		}
		return
	}

	r.persisted.Add(uint64(len(r.pending)))
	r.pending = r.pending[:0]
}

var lineageSchemas = map[string]string{
	DialectPostgres: `
	CREATE TABLE IF NOT EXISTS decision_traces (
		audit_id VARCHAR(100) PRIMARY KEY,
		request_id VARCHAR(100) NOT NULL,
		tenant_id VARCHAR(100) NOT NULL,
		app_id VARCHAR(100) NOT NULL,
		team_id VARCHAR(100),
		policy_version VARCHAR(50),
		rule_id VARCHAR(100),
		subscription_scope VARCHAR(20),
		experiment_id VARCHAR(100),
		variant_id VARCHAR(100),
		recommended_model VARCHAR(200),
		final_model VARCHAR(200),
		fell_back BOOLEAN NOT NULL DEFAULT false,
		fallback_chain JSONB,
		attempts JSONB,
		firewall JSONB,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		stage_timings JSONB,
		status VARCHAR(30) NOT NULL,
		deny_reason VARCHAR(100),
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_traces_tenant_app ON decision_traces(tenant_id, app_id);
	CREATE INDEX IF NOT EXISTS idx_traces_started ON decision_traces(started_at);
	CREATE INDEX IF NOT EXISTS idx_traces_status ON decision_traces(status);
	`,
	DialectMySQL: `
	CREATE TABLE IF NOT EXISTS decision_traces (
		audit_id VARCHAR(100) PRIMARY KEY,
		request_id VARCHAR(100) NOT NULL,
		tenant_id VARCHAR(100) NOT NULL,
		app_id VARCHAR(100) NOT NULL,
		team_id VARCHAR(100),
		policy_version VARCHAR(50),
		rule_id VARCHAR(100),
		subscription_scope VARCHAR(20),
		experiment_id VARCHAR(100),
		variant_id VARCHAR(100),
		recommended_model VARCHAR(200),
		final_model VARCHAR(200),
		fell_back BOOLEAN NOT NULL DEFAULT false,
		fallback_chain JSON,
		attempts JSON,
		firewall JSON,
		prompt_tokens INT NOT NULL DEFAULT 0,
		completion_tokens INT NOT NULL DEFAULT 0,
		total_tokens INT NOT NULL DEFAULT 0,
		cost_usd DOUBLE NOT NULL DEFAULT 0,
		stage_timings JSON,
		status VARCHAR(30) NOT NULL,
		deny_reason VARCHAR(100),
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		KEY idx_traces_tenant_app (tenant_id, app_id),
		KEY idx_traces_started (started_at)
	);
	`,
}

const lineageInsertColumns = `audit_id, request_id, tenant_id, app_id, team_id,
		policy_version, rule_id, subscription_scope, experiment_id, variant_id,
		recommended_model, final_model, fell_back, fallback_chain, attempts, firewall,
		prompt_tokens, completion_tokens, total_tokens, cost_usd, stage_timings,
		status, deny_reason, started_at, finished_at`

// SQLTraceSink writes traces to the relational store. Inserts are keyed
// on audit_id and ignore conflicts, so retrying a partially written
// batch is safe.
type SQLTraceSink struct {
	db      *sql.DB
	dialect string
	insert  string
}

// NewSQLTraceSink creates the decision_traces schema and returns a sink
// over it.
func NewSQLTraceSink(db *sql.DB, dialect string) (*SQLTraceSink, error) {
	schema, ok := lineageSchemas[dialect]
	if !ok {
		schema = lineageSchemas[DialectPostgres]
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	insert := `INSERT INTO decision_traces (` + lineageInsertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (audit_id) DO NOTHING`
	if dialect == DialectMySQL {
		insert = rebind(dialect, `INSERT IGNORE INTO decision_traces (`+lineageInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25)`)
	}

	return &SQLTraceSink{db: db, dialect: dialect, insert: insert}, nil
}

// WriteTraces implements TraceSink.
func (s *SQLTraceSink) WriteTraces(ctx context.Context, traces []*DecisionTrace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.insert)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range traces {
		chainJSON, _ := json.Marshal(t.FallbackChain)
		attemptsJSON, _ := json.Marshal(t.Attempts)
		firewallJSON, _ := json.Marshal(t.Firewall)
		timingsJSON, _ := json.Marshal(t.StageTimingsMS)

		if _, err := stmt.ExecContext(ctx,
			t.AuditID,
			t.RequestID,
			t.TenantID,
			t.AppID,
			t.TeamID,
			t.PolicyVersion,
			t.RuleID,
			t.SubscriptionScope,
			t.ExperimentID,
			t.VariantID,
			t.RecommendedModel,
			t.FinalModel,
			t.FellBack,
			chainJSON,
			attemptsJSON,
			firewallJSON,
			t.PromptTokens,
			t.CompletionTokens,
			t.TotalTokens,
			t.CostUSD,
			timingsJSON,
			t.Status,
			t.DenyReason,
			t.StartedAt,
			t.FinishedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Close implements TraceSink. The shared DB handle stays open for the
// other stores.
func (s *SQLTraceSink) Close() error {
	return nil
}
