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
	"strings"
	"time"

	"axonflow/engine/registry"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultTimeout = 120 * time.Second
)

// OpenAIAdapter invokes models through the chat completions API. With a
// custom base URL it also serves OpenAI-compatible backends (vLLM, Ollama,
// LiteLLM proxies), which is how self-hosted internal models are wired up.
type OpenAIAdapter struct {
	name    string
	apiKey  string
	baseURL string
	client  HTTPClient
}

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	Name    string        // Provider name; defaults to "openai"
	APIKey  string        // Optional for keyless self-hosted endpoints
	BaseURL string        // Optional, defaults to the public endpoint
	Timeout time.Duration // Optional HTTP timeout
	Client  HTTPClient    // Optional transport override
}

// NewOpenAIAdapter creates an adapter for a chat-completions backend.
func NewOpenAIAdapter(cfg OpenAIConfig) *OpenAIAdapter {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openAIDefaultTimeout
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &OpenAIAdapter{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
	}
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke implements Adapter.
func (a *OpenAIAdapter) Invoke(ctx context.Context, model registry.ModelDescriptor, input Input, opts Options) (*Result, error) {
	start := time.Now()

	messages := make([]chatMessage, 0, 2)
	if input.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: input.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: input.Prompt})

	apiReq := chatRequest{
		Model:    model.Model,
		Messages: messages,
		Stop:     opts.StopSequences,
	}
	if opts.MaxTokens > 0 {
		apiReq.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature >= 0 {
		apiReq.Temperature = &opts.Temperature
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, wrapTransport(a.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, a.parseAPIError(resp, body)
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, NewError(a.name, ErrCodeServerError, fmt.Sprintf("failed to decode response: %v", err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, NewError(a.name, ErrCodeServerError, "response contained no choices")
	}

	served := apiResp.Model
	if served == "" {
		served = model.Model
	}

	return &Result{
		Text:  apiResp.Choices[0].Message.Content,
		Model: served,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency:      time.Since(start),
		FinishReason: apiResp.Choices[0].FinishReason,
	}, nil
}

func (a *OpenAIAdapter) parseAPIError(resp *http.Response, body []byte) *Error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	code := classifyStatus(resp.StatusCode)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		if errResp.Error.Code == "context_length_exceeded" {
			code = ErrCodeContextLength
		}
		if errResp.Error.Type == "insufficient_quota" {
			// Quota exhaustion looks like 429 but will not clear on retry.
			code = ErrCodeAuth
		}
	}

	perr := NewError(a.name, code, message)
	perr.StatusCode = resp.StatusCode
	perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return perr
}
