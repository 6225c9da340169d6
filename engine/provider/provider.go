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

// Package provider defines the invocation contract between the routing
// engine and model backends. Adapters normalize each backend's wire format
// into one request/result shape and classify failures so the orchestrator
// can decide between retry and fallback without knowing the backend.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"axonflow/engine/registry"
)

// Input is the normalized inference input passed to every adapter.
type Input struct {
	// Prompt is the user's input text.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional instruction that sets behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Options tunes a single invocation. Zero values fall back to adapter
// defaults.
type Options struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// Usage tracks token consumption for billing.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of a successful invocation.
type Result struct {
	// Text is the generated output.
	Text string `json:"text"`

	// Model is the model that actually served the request; backends may
	// resolve aliases, so this can differ from the requested model.
	Model string `json:"model"`

	// Usage contains token counts reported by the backend.
	Usage Usage `json:"usage"`

	// Latency is the wall-clock time of the backend call.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped ("stop", "max_tokens", ...).
	FinishReason string `json:"finish_reason,omitempty"`
}

// Adapter is implemented once per backend. Implementations must be safe
// for concurrent use and must return *Error for backend failures so the
// caller can distinguish retryable from terminal conditions.
type Adapter interface {
	// Name returns the provider name this adapter serves ("anthropic",
	// "openai", "bedrock", ...). Must match ModelDescriptor.Provider.
	Name() string

	// Invoke runs one completion against the given model. The context
	// bounds the call; expiry is reported as a timeout-classed *Error.
	Invoke(ctx context.Context, model registry.ModelDescriptor, input Input, opts Options) (*Result, error)
}

// Error codes shared by all adapters.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeContextLength  = "context_length_exceeded"
	ErrCodeContentFilter  = "content_filter"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)

// Error is a classified backend failure.
type Error struct {
	// Provider is the adapter that produced the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code from the set above.
	Code string `json:"code"`

	// Message is the backend's human-readable message.
	Message string `json:"message"`

	// StatusCode is the HTTP status, when the backend speaks HTTP.
	StatusCode int `json:"status_code,omitempty"`

	// Retryable reports whether the same call may succeed if repeated.
	Retryable bool `json:"retryable"`

	// RetryAfter is the backend-suggested wait before retrying, if any.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Cause is the underlying error.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d, code %s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error (code %s): %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a classified error; retryability follows the code.
func NewError(provider, code, message string) *Error {
	return &Error{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: retryableCode(code),
	}
}

func retryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// classifyStatus maps an HTTP status to an error code.
func classifyStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrCodeAuth
	case status == http.StatusNotFound:
		return ErrCodeModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case status == http.StatusServiceUnavailable:
		return ErrCodeUnavailable
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeInvalidRequest
	default:
		return ErrCodeServerError
	}
}

// wrapTransport classifies transport-level failures (connection refused,
// context expiry) that never produced an HTTP status.
func wrapTransport(provider string, err error) *Error {
	code := ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return &Error{
		Provider:  provider,
		Code:      code,
		Message:   err.Error(),
		Retryable: true,
		Cause:     err,
	}
}

// IsRetryable reports whether an invocation error may succeed on retry.
// Unclassified errors are treated as terminal; retry must be earned.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryAfterHint extracts the backend-suggested retry delay, if present.
func RetryAfterHint(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

// Set holds the configured adapters keyed by provider name.
type Set struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewSet creates an empty adapter set.
func NewSet() *Set {
	return &Set{adapters: make(map[string]Adapter)}
}

// Register adds an adapter; the last registration for a name wins.
func (s *Set) Register(a Adapter) {
	s.mu.Lock()
	s.adapters[a.Name()] = a
	s.mu.Unlock()
}

// Get resolves an adapter by provider name.
func (s *Set) Get(name string) (Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[name]
	return a, ok
}

// Names lists registered provider names.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	return names
}
