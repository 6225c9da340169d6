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

	"axonflow/engine/tracearchive"
)

// ArchiveTraceSink exports traces as JSONL batches to object storage,
// for data-lake retention beside (or instead of) the relational record.
// A retried batch lands in a fresh object, so downstream readers dedupe
// on audit_id.
type ArchiveTraceSink struct {
	archiver *tracearchive.Archiver
}

// NewArchiveTraceSink wraps an archiver as a TraceSink.
func NewArchiveTraceSink(archiver *tracearchive.Archiver) *ArchiveTraceSink {
	return &ArchiveTraceSink{archiver: archiver}
}

// WriteTraces implements TraceSink.
func (s *ArchiveTraceSink) WriteTraces(ctx context.Context, traces []*DecisionTrace) error {
	records := make([][]byte, 0, len(traces))
	for _, t := range traces {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		records = append(records, data)
	}
	return s.archiver.Archive(ctx, records)
}

// Close implements TraceSink.
func (s *ArchiveTraceSink) Close() error {
	return s.archiver.Close()
}

// MultiTraceSink fans one batch out to several sinks in order. The first
// error is returned so the recorder retries the whole batch; idempotent
// sinks absorb the replays.
type MultiTraceSink struct {
	sinks []TraceSink
}

// NewMultiTraceSink combines sinks. Put the idempotent primary first.
func NewMultiTraceSink(sinks ...TraceSink) *MultiTraceSink {
	return &MultiTraceSink{sinks: sinks}
}

// WriteTraces implements TraceSink.
func (m *MultiTraceSink) WriteTraces(ctx context.Context, traces []*DecisionTrace) error {
	for _, sink := range m.sinks {
		if err := sink.WriteTraces(ctx, traces); err != nil {
			return err
		}
	}
	return nil
}

// Close implements TraceSink. Every sink is closed; the first error
// wins.
func (m *MultiTraceSink) Close() error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
