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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gocql/gocql" // Cassandra/Scylla driver
)

const cassandraTraceSchema = `
	CREATE TABLE IF NOT EXISTS decision_traces (
		audit_id text PRIMARY KEY,
		request_id text,
		tenant_id text,
		app_id text,
		team_id text,
		policy_version text,
		rule_id text,
		subscription_scope text,
		experiment_id text,
		variant_id text,
		recommended_model text,
		final_model text,
		fell_back boolean,
		fallback_chain text,
		attempts text,
		firewall text,
		prompt_tokens int,
		completion_tokens int,
		total_tokens int,
		cost_usd double,
		stage_timings text,
		status text,
		deny_reason text,
		started_at timestamp,
		finished_at timestamp
	)`

const cassandraTraceInsert = `
	INSERT INTO decision_traces (
		audit_id, request_id, tenant_id, app_id, team_id,
		policy_version, rule_id, subscription_scope, experiment_id, variant_id,
		recommended_model, final_model, fell_back, fallback_chain, attempts, firewall,
		prompt_tokens, completion_tokens, total_tokens, cost_usd, stage_timings,
		status, deny_reason, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CassandraTraceSink writes traces to a Cassandra or ScyllaDB keyspace
// for deployments whose trace volume would swamp the relational store.
// Rows are keyed on audit_id, so re-writing a batch is idempotent.
type CassandraTraceSink struct {
	cluster *gocql.ClusterConfig
	session *gocql.Session
	logger  *log.Logger
}

// NewCassandraTraceSink connects to a cluster and ensures the trace
// table exists. URL format: cassandra://host1:port,host2:port/keyspace.
// Credentials come from CASSANDRA_USERNAME and CASSANDRA_PASSWORD.
func NewCassandraTraceSink(connectionURL string) (*CassandraTraceSink, error) {
	hosts, keyspace, err := parseCassandraURL(connectionURL)
	if err != nil {
		return nil, err
	}

	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.NumConns = 2
	if username := os.Getenv("CASSANDRA_USERNAME"); username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: username,
			Password: os.Getenv("CASSANDRA_PASSWORD"),
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}

	if err := session.Query(cassandraTraceSchema).Exec(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create decision_traces table: %w", err)
	}

	sink := &CassandraTraceSink{
		cluster: cluster,
		session: session,
		logger:  log.New(os.Stdout, "[LINEAGE_CASSANDRA] ", log.LstdFlags),
	}
	sink.logger.Printf("Connected to Cassandra (keyspace=%s, consistency=%s)", keyspace, cluster.Consistency.String())
	return sink, nil
}

// WriteTraces implements TraceSink.
func (s *CassandraTraceSink) WriteTraces(ctx context.Context, traces []*DecisionTrace) error {
	for _, t := range traces {
		chainJSON, _ := json.Marshal(t.FallbackChain)
		attemptsJSON, _ := json.Marshal(t.Attempts)
		firewallJSON, _ := json.Marshal(t.Firewall)
		timingsJSON, _ := json.Marshal(t.StageTimingsMS)

		if err := s.session.Query(cassandraTraceInsert,
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
			string(chainJSON),
			string(attemptsJSON),
			string(firewallJSON),
			t.PromptTokens,
			t.CompletionTokens,
			t.TotalTokens,
			t.CostUSD,
			string(timingsJSON),
			t.Status,
			t.DenyReason,
			t.StartedAt,
			t.FinishedAt,
		).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Close implements TraceSink.
func (s *CassandraTraceSink) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

// parseCassandraURL splits cassandra://host1:port,host2:port/keyspace.
func parseCassandraURL(url string) ([]string, string, error) {
	url = strings.TrimPrefix(url, "cassandra://")

	parts := strings.Split(url, "/")
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("invalid cassandra URL (expected cassandra://host:port/keyspace)")
	}

	hosts := strings.Split(parts[0], ",")
	keyspace := parts[1]
	if len(hosts) == 0 || hosts[0] == "" || keyspace == "" {
		return nil, "", fmt.Errorf("invalid cassandra URL: missing hosts or keyspace")
	}

	return hosts, keyspace, nil
}
