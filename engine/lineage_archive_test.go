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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/engine/tracearchive"
)

type fakeObjectStore struct {
	objects map[string][]byte
}

func (f *fakeObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = append([]byte(nil), data...)
	return nil
}

func (f *fakeObjectStore) Name() string { return "fake" }
func (f *fakeObjectStore) Close() error { return nil }

func TestArchiveTraceSinkWritesJSONLines(t *testing.T) {
	store := &fakeObjectStore{}
	sink := NewArchiveTraceSink(tracearchive.NewArchiver(store, "traces"))

	traces := []*DecisionTrace{lineageTrace("audit-0"), lineageTrace("audit-1")}
	require.NoError(t, sink.WriteTraces(context.Background(), traces))

	require.Len(t, store.objects, 1)
	for _, data := range store.objects {
		lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
		require.Len(t, lines, 2)

		var decoded DecisionTrace
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
		assert.Equal(t, "audit-0", decoded.AuditID)
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
		assert.Equal(t, "audit-1", decoded.AuditID)
	}
}

func TestMultiTraceSinkFansOut(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	multi := NewMultiTraceSink(first, second)

	traces := []*DecisionTrace{lineageTrace("audit-0")}
	require.NoError(t, multi.WriteTraces(context.Background(), traces))

	assert.Equal(t, 1, first.written())
	assert.Equal(t, 1, second.written())

	require.NoError(t, multi.Close())
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}

func TestMultiTraceSinkStopsAtFirstError(t *testing.T) {
	first := &captureSink{failures: 1}
	second := &captureSink{}
	multi := NewMultiTraceSink(first, second)

	err := multi.WriteTraces(context.Background(), []*DecisionTrace{lineageTrace("audit-0")})
	require.Error(t, err)
	assert.Equal(t, 0, second.attemptCount(), "later sinks wait for the retried batch")
}
