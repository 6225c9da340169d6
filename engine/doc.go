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

/*
Package engine provides the AxonFlow routing and governance decision engine
for LLM inference traffic.

# Overview

The engine sits between applications and model providers. Every request
passes through a governance pipeline before any provider is called:

	Request → Policy → Subscription → Compliance → Health → Budget →
	Experiment → Selection → Invocation → Firewall → Lineage

Each stage can refuse the request, narrow the candidate model set, or
annotate the decision. The full outcome of every stage is recorded in a
DecisionTrace for audit.

# Routing Pipeline

Policies bind an application to an ordered list of candidate models with
per-role and per-sensitivity constraints. The stages:

  - Policy evaluation resolves the application's policy and checks the
    caller's role, request sensitivity, and token ceiling
  - Subscription resolution maps the tenant's plan to the model tiers it
    may use
  - Compliance filtering removes models whose residency, certification,
    or retention attributes violate the request's data class
  - Health gating removes models whose circuit is open and admits a
    single probe per half-open circuit
  - Budget gating enforces tenant and application spend limits with
    soft (warn) and hard (refuse) thresholds
  - Experiment overlay reweights or substitutes candidates for enrolled
    traffic slices, with automatic rollback on elevated error rates
  - Selection orders surviving candidates per the policy directive:
    a single pinned model, a strict preference order, or a weighted
    draw keyed by a deterministic hash of the audit ID

Invocation walks the ordered candidates with per-candidate timeout and
retry, falling back to the next on retryable failure. Responses pass
through a sensitive-output firewall that can flag, redraft, or block.

Example:

	eng, err := NewEngine(cfg)
	if err != nil {
	    log.Fatal(err)
	}
	decision, err := eng.Route(ctx, reqCtx, provider.Input{Prompt: prompt})

# Policy Store

Policies live in memory, optionally backed by PostgreSQL or MySQL and
seeded from a YAML bundle directory. Writes are versioned; concurrent
updates are rejected on version conflict. A background loop refreshes
the cache from the database.

# HTTP API

Run starts the HTTP surface:

	POST /api/v1/route                      - Route a request through the pipeline
	GET  /api/v1/admin/policies             - List policies
	POST /api/v1/admin/policies             - Create or update a policy
	GET  /api/v1/admin/providers            - Adapters, models, circuit states
	GET  /api/v1/admin/experiments          - Active experiments
	GET  /api/v1/admin/budget/{tenant}/{app} - Current-period spend
	GET  /api/v1/admin/stats                - Decision counters and latency percentiles

	GET  /health                            - Liveness with component detail
	GET  /ready                             - Readiness (503 while draining)
	GET  /metrics                           - Prometheus metrics

# Usage

	// Start the engine service
	engine.Run()

	// The engine reads configuration from environment variables:
	// PORT                - HTTP server port (default: 8082)
	// DATABASE_URL        - PostgreSQL or MySQL connection string
	// REDIS_URL           - Redis URL for shared budget counters (optional)
	// MONGO_URI           - MongoDB URI for experiment persistence (optional)
	// MODEL_CATALOG_FILE  - Model catalog YAML path (optional)
	// POLICY_BUNDLE_DIR   - Policy bundle directory (optional)
	// OPENAI_API_KEY      - OpenAI API key (optional)
	// ANTHROPIC_API_KEY   - Anthropic API key (optional)
	// BEDROCK_REGION      - AWS Bedrock region (optional)
	// SELFHOSTED_ENDPOINT - OpenAI-compatible self-hosted endpoint (optional)
	// SANITIZER_MODEL     - Model ref for firewall redrafting (optional)
	// TRACE_ARCHIVE_BACKEND - s3, gcs, or azure for trace archival (optional)

# Thread Safety

All exported types in this package are safe for concurrent use. The
engine serves simultaneous requests on goroutines; shared state is
guarded by sync.RWMutex or atomics.

# Metrics

The engine exposes Prometheus metrics at /metrics:

  - axonflow_engine_decisions_total - Decisions by final status
  - axonflow_engine_denials_total - Refusals by deny reason
  - axonflow_engine_stage_duration_milliseconds - Per-stage latency
  - axonflow_engine_provider_calls_total - Provider calls by provider/outcome
  - axonflow_engine_fallbacks_total - Requests served by a fallback candidate
  - axonflow_engine_firewall_screens_total - Screened responses by state
  - axonflow_engine_tokens_total - Tokens processed by direction
  - axonflow_engine_cost_usd_total - Accumulated provider cost
*/
package engine
