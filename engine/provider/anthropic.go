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

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"axonflow/engine/registry"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultTimeout = 120 * time.Second
	anthropicMaxTokens      = 4096
)

// HTTPClient abstracts the HTTP transport (enables testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AnthropicAdapter invokes Claude models through the Messages API.
type AnthropicAdapter struct {
	apiKey  string
	baseURL string
	client  HTTPClient
}

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	APIKey  string        // Required
	BaseURL string        // Optional, defaults to the public endpoint
	Timeout time.Duration // Optional HTTP timeout
	Client  HTTPClient    // Optional transport override
}

// NewAnthropicAdapter creates an adapter for the Anthropic Messages API.
func NewAnthropicAdapter(cfg AnthropicConfig) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = anthropicDefaultTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &AnthropicAdapter{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
	}, nil
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Invoke implements Adapter.
func (a *AnthropicAdapter) Invoke(ctx context.Context, model registry.ModelDescriptor, input Input, opts Options) (*Result, error) {
	start := time.Now()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	apiReq := anthropicRequest{
		Model:     model.Model,
		MaxTokens: maxTokens,
		Messages:  []anthropicMessage{{Role: "user", Content: input.Prompt}},
	}
	if input.SystemPrompt != "" {
		apiReq.System = input.SystemPrompt
	}
	// 0.0 is a valid deterministic temperature; only negative means unset.
	if opts.Temperature >= 0 {
		apiReq.Temperature = &opts.Temperature
	}
	if len(opts.StopSequences) > 0 {
		apiReq.StopSequences = opts.StopSequences
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(a.Name(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, a.parseAPIError(resp, body)
	}

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, NewError(a.Name(), ErrCodeServerError, fmt.Sprintf("failed to decode response: %v", err))
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	served := apiResp.Model
	if served == "" {
		served = model.Model
	}

	return &Result{
		Text:  content.String(),
		Model: served,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: apiResp.StopReason,
	}, nil
}

// parseAPIError converts an Anthropic error body into a classified Error.
func (a *AnthropicAdapter) parseAPIError(resp *http.Response, body []byte) *Error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	code := classifyStatus(resp.StatusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		switch errResp.Error.Type {
		case "rate_limit_error":
			code = ErrCodeRateLimit
		case "authentication_error", "permission_error":
			code = ErrCodeAuth
		case "overloaded_error":
			code = ErrCodeUnavailable
		case "invalid_request_error":
			code = ErrCodeInvalidRequest
		}
	}

	perr := NewError(a.Name(), code, message)
	perr.StatusCode = resp.StatusCode
	perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return perr
}

// parseRetryAfter handles the delay-seconds form of the Retry-After header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
