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
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every successful batch and can be told to fail
// the next N write attempts.
type captureSink struct {
	mu       sync.Mutex
	attempts int
	failures int
	batches  [][]*DecisionTrace
	closed   bool
}

func (s *captureSink) WriteTraces(_ context.Context, traces []*DecisionTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	batch := make([]*DecisionTrace, len(traces))
	copy(batch, traces)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *captureSink) lastBatch() []*DecisionTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	return s.batches[len(s.batches)-1]
}

func (s *captureSink) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func lineageTrace(id string) *DecisionTrace {
	now := time.Now()
	return &DecisionTrace{
		AuditID:    id,
		RequestID:  "req-" + id,
		TenantID:   "tenant-1",
		AppID:      "support-bot",
		FinalModel: "openai/gpt-4o",
		Status:     TraceStatusCompleted,
		StartedAt:  now,
		FinishedAt: now,
	}
}

func TestLineageRecorderCloseDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	rec := NewLineageRecorder(sink, WithLineageFlushInterval(time.Hour))

	for i := 0; i < 5; i++ {
		rec.Record(lineageTrace(fmt.Sprintf("audit-%d", i)))
	}
	require.NoError(t, rec.Close())

	assert.Equal(t, 5, sink.written(), "every queued trace must survive shutdown")
	assert.True(t, sink.closed)

	persisted, buffered, dropped := rec.Stats()
	assert.Equal(t, uint64(5), persisted)
	assert.Equal(t, uint64(0), buffered)
	assert.Equal(t, uint64(0), dropped)
}

func TestLineageRecorderFlushesAtBatchSize(t *testing.T) {
	sink := &captureSink{}
	rec := NewLineageRecorder(sink,
		WithLineageBatchSize(2),
		WithLineageFlushInterval(time.Hour))
	defer func() { _ = rec.Close() }()

	rec.Record(lineageTrace("audit-0"))
	rec.Record(lineageTrace("audit-1"))

	assert.Eventually(t, func() bool { return sink.written() == 2 },
		2*time.Second, 10*time.Millisecond, "hitting the batch size must trigger a flush")
}

func TestLineageRecorderPeriodicFlush(t *testing.T) {
	sink := &captureSink{}
	rec := NewLineageRecorder(sink, WithLineageFlushInterval(20*time.Millisecond))
	defer func() { _ = rec.Close() }()

	rec.Record(lineageTrace("audit-0"))

	assert.Eventually(t, func() bool { return sink.written() == 1 },
		2*time.Second, 10*time.Millisecond, "a lone trace must be flushed by the ticker")
}

func TestLineageRecorderRetainsBatchOnSinkFailure(t *testing.T) {
	sink := &captureSink{failures: 1}
	rec := NewLineageRecorder(sink, WithLineageFlushInterval(time.Hour))

	for i := 0; i < 3; i++ {
		rec.Record(lineageTrace(fmt.Sprintf("audit-%d", i)))
	}
	require.NoError(t, rec.Close())

	persisted, buffered, dropped := rec.Stats()
	assert.Equal(t, uint64(0), persisted)
	assert.Equal(t, uint64(3), buffered, "failed batch stays buffered locally")
	assert.Equal(t, uint64(0), dropped)
	assert.Equal(t, 1, sink.attemptCount())

	// The sink recovers; the retained traces ride the next flush.
	rec.Flush()

	persisted, buffered, _ = rec.Stats()
	assert.Equal(t, uint64(3), persisted)
	assert.Equal(t, uint64(0), buffered)
	require.Len(t, sink.lastBatch(), 3)
	assert.Equal(t, "audit-0", sink.lastBatch()[0].AuditID)
}

func TestLineageRecorderDropsOldestBeyondRetention(t *testing.T) {
	sink := &captureSink{failures: 1}
	rec := NewLineageRecorder(sink,
		WithLineageBatchSize(lineageMaxRetained+10),
		WithLineageFlushInterval(time.Hour))

	for i := 0; i < lineageMaxRetained+1; i++ {
		rec.Record(lineageTrace(fmt.Sprintf("audit-%d", i)))
	}
	require.NoError(t, rec.Close())

	persisted, buffered, dropped := rec.Stats()
	assert.Equal(t, uint64(0), persisted)
	assert.Equal(t, uint64(lineageMaxRetained), buffered)
	assert.Equal(t, uint64(1), dropped)

	rec.Flush()

	require.NotEmpty(t, sink.lastBatch())
	assert.Equal(t, "audit-1", sink.lastBatch()[0].AuditID, "retention trims from the oldest end")
}

func TestLineageRecorderQueueFullBatchesDirectly(t *testing.T) {
	// Built by hand with a tiny queue and no background writer, so the
	// overflow path is deterministic.
	sink := &captureSink{}
	rec := &LineageRecorder{
		sink:         sink,
		queue:        make(chan *DecisionTrace, 1),
		logger:       log.New(io.Discard, "", 0),
		batchSize:    10,
		flushEvery:   time.Hour,
		shutdownChan: make(chan struct{}),
	}

	rec.Record(lineageTrace("audit-0"))
	rec.Record(lineageTrace("audit-1"))

	assert.Equal(t, 1, rec.QueueDepth())
	_, buffered, _ := rec.Stats()
	assert.Equal(t, uint64(1), buffered, "overflow goes straight into the pending batch")
}

func TestLineageRecorderIgnoresNil(t *testing.T) {
	sink := &captureSink{}
	rec := NewLineageRecorder(sink, WithLineageFlushInterval(time.Hour))

	rec.Record(nil)
	require.NoError(t, rec.Close())

	assert.Equal(t, 0, sink.written())
	assert.Equal(t, 0, sink.attemptCount())
}

// ============================================================================
// SQLTraceSink
// ============================================================================

func TestSQLTraceSinkWritesBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS decision_traces").WillReturnResult(sqlmock.NewResult(0, 0))

	sink, err := NewSQLTraceSink(db, DialectPostgres)
	require.NoError(t, err)
	assert.Contains(t, sink.insert, "ON CONFLICT (audit_id) DO NOTHING")

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO decision_traces")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	traces := []*DecisionTrace{lineageTrace("audit-0"), lineageTrace("audit-1")}
	require.NoError(t, sink.WriteTraces(context.Background(), traces))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTraceSinkRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS decision_traces").WillReturnResult(sqlmock.NewResult(0, 0))

	sink, err := NewSQLTraceSink(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO decision_traces")
	prep.ExpectExec().WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = sink.WriteTraces(context.Background(), []*DecisionTrace{lineageTrace("audit-0")})
	require.Error(t, err, "a failed insert must surface so the batch is retried")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLTraceSinkMySQLUsesInsertIgnore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS decision_traces").WillReturnResult(sqlmock.NewResult(0, 0))

	sink, err := NewSQLTraceSink(db, DialectMySQL)
	require.NoError(t, err)

	assert.Contains(t, sink.insert, "INSERT IGNORE INTO decision_traces")
	assert.NotContains(t, sink.insert, "$1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseCassandraURL(t *testing.T) {
	hosts, keyspace, err := parseCassandraURL("cassandra://10.0.0.1:9042,10.0.0.2:9042/lineage")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:9042", "10.0.0.2:9042"}, hosts)
	assert.Equal(t, "lineage", keyspace)

	_, _, err = parseCassandraURL("cassandra://hostonly")
	assert.Error(t, err)

	_, _, err = parseCassandraURL("cassandra:///lineage")
	assert.Error(t, err)
}
