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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"axonflow/engine/registry"
)

// BedrockAdapter invokes managed models through AWS Bedrock. Authentication
// uses the default AWS credential chain (IAM role, env, shared config).
type BedrockAdapter struct {
	client bedrockInvoker
	region string
}

// bedrockInvoker abstracts the Bedrock client (enables testing).
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// NewBedrockAdapter creates an adapter bound to one AWS region.
func NewBedrockAdapter(ctx context.Context, region string) (*BedrockAdapter, error) {
	if region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockAdapter{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
	}, nil
}

// Name implements Adapter.
func (a *BedrockAdapter) Name() string {
	return "bedrock"
}

// Invoke implements Adapter.
func (a *BedrockAdapter) Invoke(ctx context.Context, model registry.ModelDescriptor, input Input, opts Options) (*Result, error) {
	start := time.Now()

	requestBody, err := a.buildRequestBody(model.Model, input, opts)
	if err != nil {
		return nil, NewError(a.Name(), ErrCodeInvalidRequest, err.Error())
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model.Model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, a.classifyAWSError(err)
	}

	result, err := a.parseResponseBody(model.Model, output.Body)
	if err != nil {
		return nil, NewError(a.Name(), ErrCodeServerError, err.Error())
	}
	result.Latency = time.Since(start)
	return result, nil
}

// bedrockFamily extracts the model family from a Bedrock model id
// (format: family.model-name-version, e.g. anthropic.claude-...).
func bedrockFamily(modelID string) string {
	if idx := strings.Index(modelID, "."); idx > 0 {
		return modelID[:idx]
	}
	return ""
}

func (a *BedrockAdapter) buildRequestBody(modelID string, input Input, opts Options) (map[string]interface{}, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	switch bedrockFamily(modelID) {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       opts.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": input.Prompt},
			},
		}
		if input.SystemPrompt != "" {
			body["system"] = input.SystemPrompt
		}
		return body, nil
	case "amazon":
		prompt := input.Prompt
		if input.SystemPrompt != "" {
			prompt = input.SystemPrompt + "\n\n" + prompt
		}
		return map[string]interface{}{
			"inputText": prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   opts.Temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		prompt := input.Prompt
		if input.SystemPrompt != "" {
			prompt = input.SystemPrompt + "\n\n" + prompt
		}
		return map[string]interface{}{
			"prompt":      prompt,
			"max_gen_len": maxTokens,
			"temperature": opts.Temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family in %q", modelID)
	}
}

func (a *BedrockAdapter) parseResponseBody(modelID string, body []byte) (*Result, error) {
	switch bedrockFamily(modelID) {
	case "anthropic":
		var resp struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			StopReason string `json:"stop_reason"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return &Result{
			Text:  text.String(),
			Model: modelID,
			Usage: Usage{
				PromptTokens:     resp.Usage.InputTokens,
				CompletionTokens: resp.Usage.OutputTokens,
				TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
			FinishReason: resp.StopReason,
		}, nil
	case "amazon":
		var resp struct {
			InputTextTokenCount int `json:"inputTextTokenCount"`
			Results             []struct {
				OutputText       string `json:"outputText"`
				TokenCount       int    `json:"tokenCount"`
				CompletionReason string `json:"completionReason"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if len(resp.Results) == 0 {
			return nil, fmt.Errorf("response contained no results")
		}
		return &Result{
			Text:  resp.Results[0].OutputText,
			Model: modelID,
			Usage: Usage{
				PromptTokens:     resp.InputTextTokenCount,
				CompletionTokens: resp.Results[0].TokenCount,
				TotalTokens:      resp.InputTextTokenCount + resp.Results[0].TokenCount,
			},
			FinishReason: strings.ToLower(resp.Results[0].CompletionReason),
		}, nil
	case "meta":
		var resp struct {
			Generation           string `json:"generation"`
			PromptTokenCount     int    `json:"prompt_token_count"`
			GenerationTokenCount int    `json:"generation_token_count"`
			StopReason           string `json:"stop_reason"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return &Result{
			Text:  resp.Generation,
			Model: modelID,
			Usage: Usage{
				PromptTokens:     resp.PromptTokenCount,
				CompletionTokens: resp.GenerationTokenCount,
				TotalTokens:      resp.PromptTokenCount + resp.GenerationTokenCount,
			},
			FinishReason: resp.StopReason,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family in %q", modelID)
	}
}

// classifyAWSError maps Bedrock SDK exceptions onto the shared error codes.
func (a *BedrockAdapter) classifyAWSError(err error) *Error {
	var (
		throttle     *brtypes.ThrottlingException
		quota        *brtypes.ServiceQuotaExceededException
		denied       *brtypes.AccessDeniedException
		validation   *brtypes.ValidationException
		modelTimeout *brtypes.ModelTimeoutException
		notReady     *brtypes.ModelNotReadyException
		notFound     *brtypes.ResourceNotFoundException
		internal     *brtypes.InternalServerException
	)

	code := ""
	switch {
	case errors.As(err, &throttle), errors.As(err, &quota):
		code = ErrCodeRateLimit
	case errors.As(err, &denied):
		code = ErrCodeAuth
	case errors.As(err, &validation):
		code = ErrCodeInvalidRequest
	case errors.As(err, &modelTimeout):
		code = ErrCodeTimeout
	case errors.As(err, &notReady):
		code = ErrCodeUnavailable
	case errors.As(err, &notFound):
		code = ErrCodeModelNotFound
	case errors.As(err, &internal):
		code = ErrCodeServerError
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	default:
		code = ErrCodeServerError
	}

	perr := NewError(a.Name(), code, err.Error())
	perr.Cause = err
	return perr
}
