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

// Package integration exercises the engine's full HTTP surface: the
// real route table, middleware, and decision pipeline over a live
// test server, with only the provider backends mocked.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"axonflow/engine"
	"axonflow/engine/provider"
	"axonflow/engine/registry"
)

// stack is one fully wired engine behind a live HTTP listener.
type stack struct {
	ts        *httptest.Server
	policies  *engine.PolicyStore
	subs      *engine.SubscriptionStore
	openai    *provider.MockAdapter
	anthropic *provider.MockAdapter
}

// newStack wires registry, stores, engine, and HTTP server the way Run
// does, minus external backends.
func newStack(t *testing.T, authSecret string) *stack {
	t.Helper()

	reg := registry.New()
	for _, d := range []registry.ModelDescriptor{
		{Provider: "openai", Model: "gpt-4o", Compliance: registry.ComplianceExternal, Enabled: true},
		{Provider: "anthropic", Model: "claude-sonnet-4", Compliance: registry.ComplianceExternal, Enabled: true},
	} {
		if err := reg.Upsert(d); err != nil {
			t.Fatalf("Failed to register model: %v", err)
		}
	}

	policies, err := engine.NewPolicyStore(reg)
	if err != nil {
		t.Fatalf("Failed to create policy store: %v", err)
	}
	subs, err := engine.NewSubscriptionStore()
	if err != nil {
		t.Fatalf("Failed to create subscription store: %v", err)
	}
	budget, err := engine.NewBudgetLedger()
	if err != nil {
		t.Fatalf("Failed to create budget ledger: %v", err)
	}
	health := engine.NewHealthTracker(engine.HealthConfig{})
	overlay := engine.NewExperimentOverlay()

	openai := provider.NewMockAdapter("openai")
	anthropic := provider.NewMockAdapter("anthropic")
	adapters := provider.NewSet()
	adapters.Register(openai)
	adapters.Register(anthropic)

	eng, err := engine.NewEngine(engine.EngineConfig{
		Registry:      reg,
		Policies:      policies,
		Subscriptions: subs,
		Health:        health,
		Budget:        budget,
		Experiments:   overlay,
		Adapters:      adapters,
		Retry: engine.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(eng.Close)

	server := engine.NewServer(engine.ServerConfig{
		Engine:        eng,
		Registry:      reg,
		Policies:      policies,
		Subscriptions: subs,
		Health:        health,
		Budget:        budget,
		Experiments:   overlay,
		Adapters:      adapters,
		AuthSecret:    authSecret,
		InstanceID:    "integration-1",
	})
	server.SetReady(true)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &stack{ts: ts, policies: policies, subs: subs, openai: openai, anthropic: anthropic}
}

// seedPolicy installs a policy through the admin API, the same path an
// operator uses.
func (s *stack) seedPolicy(t *testing.T, refs ...string) {
	t.Helper()
	pol := engine.Policy{
		AppID:   "support-bot",
		Version: "v1",
		Rules: []engine.Rule{{
			ID:        "default",
			Directive: engine.Directive{Kind: engine.DirectiveOrdered, Ordered: refs},
		}},
	}
	body, _ := json.Marshal(pol)
	resp, err := http.Post(s.ts.URL+"/api/v1/admin/policies", "application/json", bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("Policy create failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 201 from policy create, got %d: %s", resp.StatusCode, raw)
	}
}

func (s *stack) subscribe(t *testing.T, models ...string) {
	t.Helper()
	err := s.subs.Upsert(context.Background(), engine.Subscription{
		Scope:    engine.ScopeApp,
		TargetID: "support-bot",
		Models:   models,
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("Subscription upsert failed: %v", err)
	}
}

// postRoute sends one routing request and returns the raw response.
func (s *stack) postRoute(t *testing.T, body map[string]interface{}, headers map[string]string) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", s.ts.URL+"/api/v1/route", bytes.NewBuffer(raw))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Route call failed: %v", err)
	}
	return resp
}

func routeBody(prompt string) map[string]interface{} {
	return map[string]interface{}{
		"tenant_id":   "acme",
		"app_id":      "support-bot",
		"sensitivity": "internal",
		"prompt":      prompt,
	}
}

// TestRouteFlow_EndToEnd drives policy install, routing, and the
// observability surface over live HTTP
func TestRouteFlow_EndToEnd(t *testing.T) {
	s := newStack(t, "")
	s.seedPolicy(t, "openai/gpt-4o", "anthropic/claude-sonnet-4")
	s.subscribe(t, "openai/gpt-4o", "anthropic/claude-sonnet-4")

	resp := s.postRoute(t, routeBody("Summarize the open tickets."), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, raw)
	}

	var d engine.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("Failed to decode decision: %v", err)
	}
	if d.FinalModel != "openai/gpt-4o" {
		t.Errorf("Expected openai/gpt-4o, got %s", d.FinalModel)
	}
	if d.AuditID == "" {
		t.Error("Expected non-empty audit ID")
	}
	if d.Output == "" {
		t.Error("Expected non-empty output")
	}

	// Stats reflect the decision
	statsResp, err := http.Get(s.ts.URL + "/api/v1/admin/stats")
	if err != nil {
		t.Fatalf("Stats call failed: %v", err)
	}
	defer statsResp.Body.Close()
	var stats struct {
		Engine struct {
			Requests  int64 `json:"requests"`
			Completed int64 `json:"completed"`
		} `json:"engine"`
	}
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Engine.Completed != 1 {
		t.Errorf("Expected 1 completed decision, got %d", stats.Engine.Completed)
	}

	// Liveness, readiness, and metrics all serve
	for _, path := range []string{"/health", "/ready"} {
		r, err := http.Get(s.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		r.Body.Close()
		if r.StatusCode != http.StatusOK {
			t.Errorf("Expected 200 from %s, got %d", path, r.StatusCode)
		}
	}
	metricsResp, err := http.Get(s.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer metricsResp.Body.Close()
	metricsBody, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(metricsBody), "axonflow_engine_decisions_total") {
		t.Error("Expected engine decision counter in metrics output")
	}
}

// TestRouteFlow_Fallback verifies a failing primary falls through to the
// next candidate without surfacing an error to the caller
func TestRouteFlow_Fallback(t *testing.T) {
	s := newStack(t, "")
	s.seedPolicy(t, "openai/gpt-4o", "anthropic/claude-sonnet-4")
	s.subscribe(t, "openai/gpt-4o", "anthropic/claude-sonnet-4")

	// Terminal error on the primary; no retry, straight to fallback.
	s.openai.EnqueueError(provider.NewError("openai", provider.ErrCodeAuth, "key revoked"))

	resp := s.postRoute(t, routeBody("Draft a reply to ticket #4821."), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, raw)
	}

	var d engine.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		t.Fatalf("Failed to decode decision: %v", err)
	}
	if !d.FellBack {
		t.Error("Expected fallback to be reported")
	}
	if d.FinalModel != "anthropic/claude-sonnet-4" {
		t.Errorf("Expected anthropic/claude-sonnet-4, got %s", d.FinalModel)
	}
	if s.anthropic.CallCount() != 1 {
		t.Errorf("Expected exactly one anthropic call, got %d", s.anthropic.CallCount())
	}
}

// TestRouteFlow_Refusals verifies governed refusals carry machine codes
// and audit IDs over the wire
func TestRouteFlow_Refusals(t *testing.T) {
	s := newStack(t, "")

	// No policy installed
	resp := s.postRoute(t, routeBody("hello"), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 without policy, got %d", resp.StatusCode)
	}
	var refusal struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		AuditID string `json:"audit_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&refusal); err != nil {
		t.Fatalf("Failed to decode refusal: %v", err)
	}
	if refusal.Code != "policy_not_found" {
		t.Errorf("Expected code policy_not_found, got %s", refusal.Code)
	}

	// Policy but no subscription
	s.seedPolicy(t, "openai/gpt-4o")
	resp2 := s.postRoute(t, routeBody("hello"), nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected 403 without subscription, got %d", resp2.StatusCode)
	}
	if err := json.NewDecoder(resp2.Body).Decode(&refusal); err != nil {
		t.Fatalf("Failed to decode refusal: %v", err)
	}
	if refusal.Code != string(engine.DenyNoEligibleModel) {
		t.Errorf("Expected code %s, got %s", engine.DenyNoEligibleModel, refusal.Code)
	}
	if refusal.AuditID == "" {
		t.Error("Expected refusal to carry an audit ID")
	}
}

// TestRouteFlow_Auth verifies bearer enforcement on the API subtree
// while probes stay open
func TestRouteFlow_Auth(t *testing.T) {
	const secret = "integration-secret"
	s := newStack(t, secret)

	// Seed through the store: the admin API sits behind the same auth.
	err := s.policies.Save(context.Background(), &engine.Policy{
		AppID:   "support-bot",
		Version: "v1",
		Rules: []engine.Rule{{
			ID:        "default",
			Directive: engine.Directive{Kind: engine.DirectiveOrdered, Ordered: []string{"openai/gpt-4o"}},
		}},
	})
	if err != nil {
		t.Fatalf("Policy save failed: %v", err)
	}
	s.subscribe(t, "openai/gpt-4o")

	// Probes are outside the authenticated subtree
	r, err := http.Get(s.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Errorf("Expected open /health, got %d", r.StatusCode)
	}

	// API refuses without a token
	resp := s.postRoute(t, routeBody("hello"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", resp.StatusCode)
	}

	// And serves with one
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "agent",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	resp = s.postRoute(t, routeBody("hello"), map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200 with token, got %d: %s", resp.StatusCode, raw)
	}
}

// TestRouteFlow_RequestID verifies the request ID echo
func TestRouteFlow_RequestID(t *testing.T) {
	s := newStack(t, "")
	s.seedPolicy(t, "openai/gpt-4o")
	s.subscribe(t, "openai/gpt-4o")

	resp := s.postRoute(t, routeBody("hello"), map[string]string{"X-Request-ID": "req-it-42"})
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-it-42" {
		t.Errorf("Expected echoed request ID, got %q", got)
	}

	resp2 := s.postRoute(t, routeBody("hello"), nil)
	defer resp2.Body.Close()
	if resp2.Header.Get("X-Request-ID") == "" {
		t.Error("Expected generated request ID header")
	}
}
