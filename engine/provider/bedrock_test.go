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
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/engine/registry"
)

type fakeBedrockClient struct {
	body []byte
	err  error
	last *bedrockruntime.InvokeModelInput
}

func (f *fakeBedrockClient) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.last = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func TestBedrockFamily(t *testing.T) {
	assert.Equal(t, "anthropic", bedrockFamily("anthropic.claude-3-5-sonnet-20240620-v1:0"))
	assert.Equal(t, "amazon", bedrockFamily("amazon.titan-text-express-v1"))
	assert.Equal(t, "", bedrockFamily("no-family"))
}

func TestBedrockInvokeAnthropicFamily(t *testing.T) {
	fake := &fakeBedrockClient{body: []byte(`{
		"content": [{"type": "text", "text": "bonjour"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 8, "output_tokens": 2}
	}`)}
	adapter := &BedrockAdapter{client: fake, region: "us-east-1"}

	model := registry.ModelDescriptor{
		Provider: "bedrock",
		Model:    "anthropic.claude-3-5-sonnet-20240620-v1:0",
	}
	result, err := adapter.Invoke(context.Background(), model,
		Input{Prompt: "translate hello", SystemPrompt: "french only"}, Options{MaxTokens: 50})
	require.NoError(t, err)

	assert.Equal(t, "bonjour", result.Text)
	assert.Equal(t, 10, result.Usage.TotalTokens)
	require.NotNil(t, fake.last)
	assert.Equal(t, model.Model, *fake.last.ModelId)
	assert.Contains(t, string(fake.last.Body), `"system":"french only"`)
}

func TestBedrockInvokeTitanFamily(t *testing.T) {
	fake := &fakeBedrockClient{body: []byte(`{
		"inputTextTokenCount": 5,
		"results": [{"outputText": "hi there", "tokenCount": 3, "completionReason": "FINISH"}]
	}`)}
	adapter := &BedrockAdapter{client: fake, region: "us-east-1"}

	result, err := adapter.Invoke(context.Background(),
		registry.ModelDescriptor{Provider: "bedrock", Model: "amazon.titan-text-express-v1"},
		Input{Prompt: "hello"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Text)
	assert.Equal(t, "finish", result.FinishReason)
	assert.Equal(t, 8, result.Usage.TotalTokens)
}

func TestBedrockRejectsUnknownFamily(t *testing.T) {
	adapter := &BedrockAdapter{client: &fakeBedrockClient{}, region: "us-east-1"}

	_, err := adapter.Invoke(context.Background(),
		registry.ModelDescriptor{Provider: "bedrock", Model: "cohere.command-r"},
		Input{Prompt: "hello"}, Options{})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeInvalidRequest, perr.Code)
}

func TestBedrockClassifiesThrottling(t *testing.T) {
	fake := &fakeBedrockClient{err: &brtypes.ThrottlingException{}}
	adapter := &BedrockAdapter{client: fake, region: "us-east-1"}

	_, err := adapter.Invoke(context.Background(),
		registry.ModelDescriptor{Provider: "bedrock", Model: "anthropic.claude-3-haiku-20240307-v1:0"},
		Input{Prompt: "hello"}, Options{})
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeRateLimit, perr.Code)
	assert.True(t, perr.Retryable)
}

func TestBedrockClassifiesAccessDenied(t *testing.T) {
	fake := &fakeBedrockClient{err: &brtypes.AccessDeniedException{}}
	adapter := &BedrockAdapter{client: fake, region: "us-east-1"}

	_, err := adapter.Invoke(context.Background(),
		registry.ModelDescriptor{Provider: "bedrock", Model: "anthropic.claude-3-haiku-20240307-v1:0"},
		Input{Prompt: "hello"}, Options{})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
