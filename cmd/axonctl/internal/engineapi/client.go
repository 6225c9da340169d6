// Package engineapi provides a client for the decision engine's admin API.
package engineapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one engine instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// PolicySummary is the subset of a policy the CLI renders.
type PolicySummary struct {
	AppID   string `json:"app_id"`
	Version string `json:"version"`
	Rules   []struct {
		ID string `json:"id"`
	} `json:"rules"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyListing is the response of GET /api/v1/admin/policies.
type PolicyListing struct {
	Count    int             `json:"count"`
	Policies []PolicySummary `json:"policies"`
}

// ApplyResult is the response of POST /api/v1/admin/policies.
type ApplyResult struct {
	AppID   string `json:"app_id"`
	Version string `json:"version"`
}

// ModelInfo is one catalog entry in the providers report.
type ModelInfo struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
	Compliance  string  `json:"compliance"`
	Enabled     bool    `json:"enabled"`
}

// CircuitRecord is one model's circuit state in the providers report.
type CircuitRecord struct {
	Ref            string  `json:"ref"`
	State          string  `json:"state"`
	RecentFailures int     `json:"recent_failures"`
	P95LatencyMS   int64   `json:"p95_latency_ms"`
	Score          float64 `json:"score"`
}

// ProvidersReport is the response of GET /api/v1/admin/providers.
type ProvidersReport struct {
	Adapters []string        `json:"adapters"`
	Models   []ModelInfo     `json:"models"`
	Circuits []CircuitRecord `json:"circuits"`
}

// EngineStats is the counters block of GET /api/v1/admin/stats.
type EngineStats struct {
	Requests      int64 `json:"requests"`
	Completed     int64 `json:"completed"`
	Denied        int64 `json:"denied"`
	Failed        int64 `json:"failed"`
	Cancelled     int64 `json:"cancelled"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	Latency       struct {
		SampleCount int     `json:"sample_count"`
		P50MS       float64 `json:"p50_ms"`
		P95MS       float64 `json:"p95_ms"`
		P99MS       float64 `json:"p99_ms"`
		AvgMS       float64 `json:"avg_ms"`
	} `json:"latency"`
}

// LineageStats is the trace recorder block of GET /api/v1/admin/stats.
type LineageStats struct {
	Persisted  uint64 `json:"persisted"`
	Buffered   uint64 `json:"buffered"`
	Dropped    uint64 `json:"dropped"`
	QueueDepth int    `json:"queue_depth"`
}

// StatsReport is the response of GET /api/v1/admin/stats.
type StatsReport struct {
	Engine  EngineStats   `json:"engine"`
	Lineage *LineageStats `json:"lineage,omitempty"`
}

// BudgetReport is the response of GET /api/v1/admin/budget/{tenant}/{app}.
type BudgetReport struct {
	TenantID string  `json:"tenant_id"`
	AppID    string  `json:"app_id"`
	Period   string  `json:"period"`
	SpentUSD float64 `json:"spent_usd"`
}

// apiError is the engine's error body.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// New creates an engine API client. The token is optional; it is sent
// as a bearer token when set.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListPolicies retrieves all active policies.
func (c *Client) ListPolicies() (*PolicyListing, error) {
	var listing PolicyListing
	if err := c.get("/api/v1/admin/policies", &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// ApplyPolicy submits a policy document. The body is passed through
// unmodified so the engine owns validation.
func (c *Client) ApplyPolicy(doc []byte) (*ApplyResult, error) {
	req, err := http.NewRequest("POST", c.baseURL+"/api/v1/admin/policies", bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var result ApplyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

// Providers retrieves the adapter, model, and circuit report.
func (c *Client) Providers() (*ProvidersReport, error) {
	var report ProvidersReport
	if err := c.get("/api/v1/admin/providers", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Stats retrieves the engine counters and latency percentiles.
func (c *Client) Stats() (*StatsReport, error) {
	var report StatsReport
	if err := c.get("/api/v1/admin/stats", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Budget retrieves the current-period spend for one tenant and app.
func (c *Client) Budget(tenantID, appID string) (*BudgetReport, error) {
	var report BudgetReport
	path := fmt.Sprintf("/api/v1/admin/budget/%s/%s", tenantID, appID)
	if err := c.get(path, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// get performs one GET and decodes the 200 body into out.
func (c *Client) get(path string, out interface{}) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("engine returned %d: %s", resp.StatusCode, body)
	}
	return fmt.Errorf("%s (code %s)", apiErr.Error, apiErr.Code)
}

// setHeaders sets the common headers for engine API requests.
func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
}
