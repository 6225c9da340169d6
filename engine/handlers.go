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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"axonflow/engine/provider"
	"axonflow/engine/registry"
	"axonflow/shared/logger"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyService   contextKey = "service"
)

const maxRequestBodySize = 1 << 20 // 1MB

// statusClientClosedRequest mirrors nginx's non-standard code for a
// caller that disconnected mid-request.
const statusClientClosedRequest = 499

var validate = validator.New()

// Server exposes the decision engine and its admin surface over HTTP.
type Server struct {
	engine        *Engine
	registry      *registry.Registry
	policies      *PolicyStore
	subscriptions *SubscriptionStore
	health        *HealthTracker
	budget        *BudgetLedger
	experiments   *ExperimentOverlay
	adapters      *provider.Set
	lineage       *LineageRecorder

	authSecret []byte
	instanceID string
	ready      atomic.Bool
	logger     *log.Logger
	reqLog     *logger.Logger
}

// ServerConfig wires the HTTP surface to the engine's components.
type ServerConfig struct {
	Engine        *Engine
	Registry      *registry.Registry
	Policies      *PolicyStore
	Subscriptions *SubscriptionStore
	Health        *HealthTracker
	Budget        *BudgetLedger
	Experiments   *ExperimentOverlay
	Adapters      *provider.Set
	Lineage       *LineageRecorder
	AuthSecret    string
	InstanceID    string
}

// NewServer creates the HTTP surface. Auth is disabled when the secret
// is empty.
func NewServer(cfg ServerConfig) *Server {
	var secret []byte
	if cfg.AuthSecret != "" {
		secret = []byte(cfg.AuthSecret)
	}
	return &Server{
		engine:        cfg.Engine,
		registry:      cfg.Registry,
		policies:      cfg.Policies,
		subscriptions: cfg.Subscriptions,
		health:        cfg.Health,
		budget:        cfg.Budget,
		experiments:   cfg.Experiments,
		adapters:      cfg.Adapters,
		lineage:       cfg.Lineage,
		authSecret:    secret,
		instanceID:    cfg.InstanceID,
		logger:        log.New(os.Stdout, "[HTTP] ", log.LstdFlags),
		reqLog:        logger.New("engine-http"),
	}
}

// SetReady flips the readiness probe. Run sets it after wiring completes
// and clears it when shutdown begins.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler builds the engine's route table. Run wraps it with CORS;
// tests serve it directly.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(requestIDMiddleware, s.authMiddleware)
	api.HandleFunc("/route", s.handleRoute).Methods("POST")
	api.HandleFunc("/admin/policies", s.handleAdminPolicies).Methods("GET", "POST")
	api.HandleFunc("/admin/providers", s.handleAdminProviders).Methods("GET")
	api.HandleFunc("/admin/experiments", s.handleAdminExperiments).Methods("GET")
	api.HandleFunc("/admin/budget/{tenant}/{app}", s.handleAdminBudget).Methods("GET")
	api.HandleFunc("/admin/stats", s.handleAdminStats).Methods("GET")

	return r
}

// RouteRequest is the public request shape for POST /api/v1/route.
type RouteRequest struct {
	RequestID     string       `json:"request_id,omitempty"`
	TenantID      string       `json:"tenant_id" validate:"required"`
	AppID         string       `json:"app_id" validate:"required"`
	TeamID        string       `json:"team_id,omitempty"`
	UserRole      string       `json:"user_role,omitempty"`
	Sensitivity   string       `json:"sensitivity,omitempty" validate:"omitempty,oneof=public internal confidential restricted"`
	TokenEstimate int          `json:"token_estimate,omitempty" validate:"omitempty,gte=0"`
	Language      string       `json:"language,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	Prompt        string       `json:"prompt" validate:"required"`
	SystemPrompt  string       `json:"system_prompt,omitempty"`
	Options       RouteOptions `json:"options"`
}

// RouteOptions carries caller tuning for one request.
type RouteOptions struct {
	MaxTokens        int     `json:"max_tokens,omitempty" validate:"omitempty,gte=0"`
	Temperature      float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	FirewallOverride string  `json:"firewall_override,omitempty" validate:"omitempty,oneof=flag redraft"`
}

type apiError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	AuditID   string            `json:"audit_id,omitempty"`
	Attempted []string          `json:"attempted,omitempty"`
	Hint      string            `json:"hint,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", "")
		return
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fmt.Sprintf("failed on %q", fe.Tag())
			}
			s.writeJSON(w, http.StatusBadRequest, apiError{
				Error:  "Request validation failed",
				Code:   "validation_error",
				Fields: fields,
			})
			return
		}
		s.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	if req.RequestID == "" {
		if id, ok := r.Context().Value(ctxKeyRequestID).(string); ok {
			req.RequestID = id
		}
	}
	if req.TokenEstimate == 0 {
		req.TokenEstimate = len(req.Prompt) / 4
	}

	rc := &RequestContext{
		RequestID:     req.RequestID,
		TenantID:      req.TenantID,
		AppID:         req.AppID,
		TeamID:        req.TeamID,
		UserRole:      req.UserRole,
		Sensitivity:   ParseSensitivity(req.Sensitivity),
		TokenEstimate: req.TokenEstimate,
		Language:      req.Language,
		Tags:          req.Tags,
		Options: RequestOptions{
			MaxTokens:      req.Options.MaxTokens,
			Temperature:    req.Options.Temperature,
			FirewallAction: FirewallAction(req.Options.FirewallOverride),
		},
		ReceivedAt: time.Now().UTC(),
	}

	d, err := s.engine.Route(r.Context(), rc, provider.Input{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		auditID := ""
		if d != nil {
			auditID = d.AuditID
		}
		status, body := routeErrorResponse(err, req.AppID, auditID)
		s.reqLog.ErrorWithCode(req.TenantID, req.RequestID, "Route failed", status, err, map[string]interface{}{
			"app_id":   req.AppID,
			"audit_id": auditID,
			"code":     body.Code,
		})
		s.writeJSON(w, status, body)
		return
	}

	s.reqLog.InfoWithDuration(req.TenantID, req.RequestID, "Route decision", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"app_id":      req.AppID,
		"audit_id":    d.AuditID,
		"final_model": d.FinalModel,
		"fell_back":   d.FellBack,
		"firewall":    string(d.Firewall.State),
		"cost_usd":    d.CostUSD,
	})
	s.writeJSON(w, http.StatusOK, d)
}

// routeErrorResponse maps pipeline errors onto the public status and
// body shape.
func routeErrorResponse(err error, appID, auditID string) (int, apiError) {
	var deny *PolicyDenyError
	var exhausted *ExhaustedFallbackError
	switch {
	case errors.As(err, &deny):
		return http.StatusForbidden, apiError{
			Error:   "Request denied by policy",
			Code:    string(deny.Reason),
			AuditID: auditID,
		}
	case errors.Is(err, ErrPolicyNotFound):
		return http.StatusNotFound, apiError{
			Error:   fmt.Sprintf("No active policy for app %s", appID),
			Code:    "policy_not_found",
			AuditID: auditID,
		}
	case errors.As(err, &exhausted):
		return http.StatusBadGateway, apiError{
			Error:     "All candidates failed",
			Code:      "exhausted_fallback",
			AuditID:   auditID,
			Attempted: exhausted.Attempted,
			Hint:      exhausted.Hint,
		}
	case errors.Is(err, context.Canceled):
		// Best effort: the caller is usually gone already.
		return statusClientClosedRequest, apiError{
			Error:   "Request cancelled by caller",
			Code:    "client_cancelled",
			AuditID: auditID,
		}
	case errors.Is(err, ErrEngineClosed):
		return http.StatusServiceUnavailable, apiError{
			Error:   "Engine is shutting down",
			Code:    "shutting_down",
			AuditID: auditID,
		}
	default:
		return http.StatusInternalServerError, apiError{
			Error:   "Request failed",
			Code:    "internal_error",
			AuditID: auditID,
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if s.lineage != nil {
		depth = s.lineage.QueueDepth()
	}
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "axonflow-engine",
		"instance":  s.instanceID,
		"timestamp": time.Now().UTC(),
		"components": map[string]interface{}{
			"policy_store":  s.policies.IsHealthy(),
			"providers":     len(s.adapters.Names()),
			"lineage_queue": depth,
		},
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeError(w, http.StatusServiceUnavailable, "not_ready", "Engine is not accepting traffic", "")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleAdminPolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		policies := s.policies.All()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"policies": policies,
			"count":    len(policies),
		})
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var pol Policy
		if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", "")
			return
		}
		if err := s.policies.Save(r.Context(), &pol); err != nil {
			var invalid *InvalidPolicyError
			if errors.As(err, &invalid) {
				s.writeError(w, http.StatusBadRequest, "invalid_policy", invalid.Error(), "")
				return
			}
			s.logger.Printf("Policy save for %s failed: %v", pol.AppID, err)
			s.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to save policy", "")
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]string{
			"app_id":  pol.AppID,
			"version": pol.Version,
		})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", "")
	}
}

func (s *Server) handleAdminProviders(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"adapters": s.adapters.Names(),
		"models":   snap.Models(),
		"circuits": s.health.Snapshot(),
	})
}

func (s *Server) handleAdminExperiments(w http.ResponseWriter, r *http.Request) {
	exps := s.experiments.Experiments()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"experiments": exps,
		"count":       len(exps),
	})
}

func (s *Server) handleAdminBudget(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID, appID := vars["tenant"], vars["app"]
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"app_id":    appID,
		"period":    s.budget.period(),
		"spent_usd": s.budget.Spent(r.Context(), tenantID, appID),
	})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	doc := map[string]interface{}{
		"engine": stats,
	}
	if s.lineage != nil {
		persisted, buffered, dropped := s.lineage.Stats()
		doc["lineage"] = map[string]interface{}{
			"persisted":   persisted,
			"buffered":    buffered,
			"dropped":     dropped,
			"queue_depth": s.lineage.QueueDepth(),
		}
	}
	s.writeJSON(w, http.StatusOK, doc)
}

// requestIDMiddleware assigns every request an id and echoes it back.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// authMiddleware validates the service token when a secret is
// configured. Without one every request passes, matching the
// self-hosted posture.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.authSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing bearer token", "")
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.authSecret, nil
		})
		if err != nil || !token.Valid {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid service token", "")
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if svc, _ := claims["sub"].(string); svc != "" {
				r = r.WithContext(context.WithValue(r.Context(), ctxKeyService, svc))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("Error encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message, auditID string) {
	s.writeJSON(w, status, apiError{
		Error:   message,
		Code:    code,
		AuditID: auditID,
	})
}
