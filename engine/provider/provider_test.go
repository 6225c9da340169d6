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

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/engine/registry"
)

func anthropicModel() registry.ModelDescriptor {
	return registry.ModelDescriptor{
		Provider:   "anthropic",
		Model:      "claude-sonnet-4-20250514",
		Compliance: registry.ComplianceExternal,
		Enabled:    true,
	}
}

func TestAnthropicAdapterInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
		assert.Equal(t, "you are terse", req.System)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "claude-sonnet-4-20250514",
			"stop_reason": "end_turn",
			"content": [{"type": "text", "text": "four"}],
			"usage": {"input_tokens": 12, "output_tokens": 3}
		}`)
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	result, err := adapter.Invoke(context.Background(), anthropicModel(),
		Input{Prompt: "2+2?", SystemPrompt: "you are terse"}, Options{MaxTokens: 64})
	require.NoError(t, err)

	assert.Equal(t, "four", result.Text)
	assert.Equal(t, 12, result.Usage.PromptTokens)
	assert.Equal(t, 3, result.Usage.CompletionTokens)
	assert.Equal(t, 15, result.Usage.TotalTokens)
	assert.Equal(t, "end_turn", result.FinishReason)
}

func TestAnthropicAdapterClassifiesRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"type": "rate_limit_error", "message": "slow down"}}`)
	}))
	defer server.Close()

	adapter, err := NewAnthropicAdapter(AnthropicConfig{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = adapter.Invoke(context.Background(), anthropicModel(), Input{Prompt: "hi"}, Options{})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeRateLimit, perr.Code)
	assert.True(t, perr.Retryable)
	assert.Equal(t, 7*time.Second, perr.RetryAfter)
	assert.True(t, IsRetryable(err))

	hint, ok := RetryAfterHint(err)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, hint)
}

func TestAnthropicAdapterRequiresKey(t *testing.T) {
	_, err := NewAnthropicAdapter(AnthropicConfig{})
	assert.Error(t, err)
}

func TestOpenAIAdapterInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 1, "total_tokens": 10}
		}`)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL})

	result, err := adapter.Invoke(context.Background(),
		registry.ModelDescriptor{Provider: "openai", Model: "gpt-4o"},
		Input{Prompt: "hi", SystemPrompt: "be nice"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
	assert.Equal(t, 10, result.Usage.TotalTokens)
	assert.Equal(t, "stop", result.FinishReason)
}

func TestOpenAIAdapterQuotaExhaustionIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"type": "insufficient_quota", "message": "billing hard limit reached"}}`)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL})
	_, err := adapter.Invoke(context.Background(),
		registry.ModelDescriptor{Provider: "openai", Model: "gpt-4o"}, Input{Prompt: "hi"}, Options{})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeAuth, perr.Code)
	assert.False(t, IsRetryable(err))
}

func TestOpenAIAdapterKeylessForSelfHosted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices": [{"message": {"content": "ok"}, "finish_reason": "stop"}], "usage": {}}`)
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(OpenAIConfig{Name: "local", BaseURL: server.URL})
	assert.Equal(t, "local", adapter.Name())

	result, err := adapter.Invoke(context.Background(),
		registry.ModelDescriptor{Provider: "local", Model: "llama-70b"}, Input{Prompt: "hi"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusTooManyRequests, ErrCodeRateLimit},
		{http.StatusUnauthorized, ErrCodeAuth},
		{http.StatusForbidden, ErrCodeAuth},
		{http.StatusNotFound, ErrCodeModelNotFound},
		{http.StatusGatewayTimeout, ErrCodeTimeout},
		{http.StatusServiceUnavailable, ErrCodeUnavailable},
		{http.StatusBadGateway, ErrCodeServerError},
		{http.StatusBadRequest, ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.status))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError("p", ErrCodeTimeout, "slow")))
	assert.True(t, IsRetryable(NewError("p", ErrCodeServerError, "boom")))
	assert.False(t, IsRetryable(NewError("p", ErrCodeAuth, "bad key")))
	assert.False(t, IsRetryable(NewError("p", ErrCodeInvalidRequest, "bad body")))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(errors.New("untyped")))
}

func TestMockAdapterScript(t *testing.T) {
	mock := NewMockAdapter("anthropic").
		EnqueueError(NewError("anthropic", ErrCodeTimeout, "t")).
		EnqueueResult("second try", Usage{TotalTokens: 5})

	model := anthropicModel()

	_, err := mock.Invoke(context.Background(), model, Input{Prompt: "a"}, Options{})
	require.Error(t, err)

	result, err := mock.Invoke(context.Background(), model, Input{Prompt: "b"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "second try", result.Text)
	assert.Equal(t, model.Model, result.Model)

	// Last outcome repeats.
	result, err = mock.Invoke(context.Background(), model, Input{Prompt: "c"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "second try", result.Text)

	assert.Equal(t, 3, mock.CallCount())
	assert.Equal(t, "a", mock.Calls()[0].Input.Prompt)
}

func TestSetRegisterAndGet(t *testing.T) {
	set := NewSet()
	set.Register(NewMockAdapter("anthropic"))
	set.Register(NewMockAdapter("openai"))

	a, ok := set.Get("anthropic")
	require.True(t, ok)
	assert.Equal(t, "anthropic", a.Name())

	_, ok = set.Get("gemini")
	assert.False(t, ok)
	assert.Len(t, set.Names(), 2)
}
