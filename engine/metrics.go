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
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_decisions_total",
			Help: "Total number of routing decisions, by final status",
		},
		[]string{"status"},
	)
	promDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_denials_total",
			Help: "Total number of denied requests, by deny reason",
		},
		[]string{"reason"},
	)
	promStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_engine_stage_duration_milliseconds",
			Help:    "Pipeline stage duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"stage"},
	)
	promProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_provider_calls_total",
			Help: "Total number of provider invocation attempts, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	promFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_engine_fallbacks_total",
			Help: "Total number of requests served by a fallback candidate",
		},
	)
	promFirewallScreens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_firewall_screens_total",
			Help: "Total number of screened responses, by firewall state",
		},
		[]string{"state"},
	)
	promFirewallDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_engine_firewall_degraded_total",
			Help: "Total number of redrafts degraded to flagging",
		},
	)
	promExperimentEnrollments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_experiment_enrollments_total",
			Help: "Total number of experiment enrollments, by experiment and variant",
		},
		[]string{"experiment", "variant"},
	)
	promTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_engine_tokens_total",
			Help: "Total tokens processed, by direction",
		},
		[]string{"direction"},
	)
	promCostUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axonflow_engine_cost_usd_total",
			Help: "Accumulated provider cost in USD",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promDecisionsTotal)
	prometheus.MustRegister(promDenialsTotal)
	prometheus.MustRegister(promStageDuration)
	prometheus.MustRegister(promProviderCalls)
	prometheus.MustRegister(promFallbacks)
	prometheus.MustRegister(promFirewallScreens)
	prometheus.MustRegister(promFirewallDegraded)
	prometheus.MustRegister(promExperimentEnrollments)
	prometheus.MustRegister(promTokensTotal)
	prometheus.MustRegister(promCostUSD)
}

// observeDecision records the per-request metrics from a finished trace.
func observeDecision(t *DecisionTrace) {
	promDecisionsTotal.WithLabelValues(t.Status).Inc()
	if t.DenyReason != "" {
		promDenialsTotal.WithLabelValues(t.DenyReason).Inc()
	}
	if t.FellBack {
		promFallbacks.Inc()
	}

	for stage, ms := range t.StageTimingsMS {
		promStageDuration.WithLabelValues(stage).Observe(ms)
	}
	for _, a := range t.Attempts {
		promProviderCalls.WithLabelValues(a.Provider, a.Outcome).Inc()
	}

	if t.Firewall.State != "" {
		promFirewallScreens.WithLabelValues(string(t.Firewall.State)).Inc()
		if t.Firewall.Degraded {
			promFirewallDegraded.Inc()
		}
	}
	if t.ExperimentID != "" {
		promExperimentEnrollments.WithLabelValues(t.ExperimentID, t.VariantID).Inc()
	}

	if t.PromptTokens > 0 {
		promTokensTotal.WithLabelValues("prompt").Add(float64(t.PromptTokens))
	}
	if t.CompletionTokens > 0 {
		promTokensTotal.WithLabelValues("completion").Add(float64(t.CompletionTokens))
	}
	if t.CostUSD > 0 {
		promCostUSD.Add(t.CostUSD)
	}
}
