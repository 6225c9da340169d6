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
	"sync"
	"time"

	"axonflow/engine/registry"
)

// MockAdapter is a scripted adapter used in tests and in local development
// when no real backend is configured. Outcomes are consumed in order; the
// last one repeats once the script is exhausted.
type MockAdapter struct {
	name    string
	mu      sync.Mutex
	script  []mockOutcome
	calls   []MockCall
	latency time.Duration
}

type mockOutcome struct {
	result *Result
	err    error
}

// MockCall records one Invoke for assertions.
type MockCall struct {
	Model string
	Input Input
	Opts  Options
}

// NewMockAdapter creates a mock for the given provider name. With no script
// it echoes the prompt.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name}
}

// WithLatency makes every call take at least d (subject to ctx).
func (m *MockAdapter) WithLatency(d time.Duration) *MockAdapter {
	m.latency = d
	return m
}

// EnqueueResult scripts a successful outcome.
func (m *MockAdapter) EnqueueResult(text string, usage Usage) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockOutcome{result: &Result{Text: text, Usage: usage, FinishReason: "stop"}})
	return m
}

// EnqueueError scripts a failure outcome.
func (m *MockAdapter) EnqueueError(err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, mockOutcome{err: err})
	return m
}

// Name implements Adapter.
func (m *MockAdapter) Name() string {
	return m.name
}

// Invoke implements Adapter.
func (m *MockAdapter) Invoke(ctx context.Context, model registry.ModelDescriptor, input Input, opts Options) (*Result, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return nil, wrapTransport(m.name, ctx.Err())
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Model: model.Model, Input: input, Opts: opts})

	var outcome mockOutcome
	switch len(m.script) {
	case 0:
		outcome = mockOutcome{result: &Result{
			Text:         "[" + m.name + "/" + model.Model + "] " + input.Prompt,
			Usage:        Usage{PromptTokens: len(input.Prompt) / 4, CompletionTokens: 32, TotalTokens: len(input.Prompt)/4 + 32},
			FinishReason: "stop",
		}}
	case 1:
		outcome = m.script[0]
	default:
		outcome = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if outcome.err != nil {
		return nil, outcome.err
	}

	// Copy so callers cannot mutate the scripted result.
	result := *outcome.result
	if result.Model == "" {
		result.Model = model.Model
	}
	result.Latency = m.latency
	return &result, nil
}

// Calls returns the recorded invocations.
func (m *MockAdapter) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Invoke ran.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
