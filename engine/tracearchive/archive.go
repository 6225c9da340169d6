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

// Package tracearchive exports decision traces to object storage as
// newline-delimited JSON, one object per batch. It supports Amazon S3
// (and S3-compatible stores), Google Cloud Storage, and Azure Blob
// Storage behind a single ObjectStore interface.
package tracearchive

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const archiveContentType = "application/x-ndjson"

// ObjectStore uploads immutable archive objects to a storage backend.
type ObjectStore interface {
	// Put writes one object. Overwriting an existing key must be safe.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Name identifies the backend in logs and errors.
	Name() string
	Close() error
}

// Archiver turns batches of JSON-encoded records into time-partitioned
// JSONL objects.
type Archiver struct {
	store  ObjectStore
	prefix string
	logger *log.Logger
}

// NewArchiver wraps an object store. Keys are laid out as
// <prefix>/<yyyy>/<mm>/<dd>/batch-<hhmmss>-<rand>.jsonl.
func NewArchiver(store ObjectStore, prefix string) *Archiver {
	if prefix == "" {
		prefix = "traces"
	}
	return &Archiver{
		store:  store,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: log.New(os.Stdout, "[TRACE_ARCHIVE] ", log.LstdFlags),
	}
}

// Archive writes the batch as one newline-delimited object. A retried
// batch lands in a fresh object, so downstream readers dedupe on
// audit id.
func (a *Archiver) Archive(ctx context.Context, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec)
		buf.WriteByte('\n')
	}

	key := a.objectKey(time.Now().UTC())
	if err := a.store.Put(ctx, key, buf.Bytes(), archiveContentType); err != nil {
		return fmt.Errorf("archive to %s failed: %w", a.store.Name(), err)
	}
	a.logger.Printf("Archived %d record(s) to %s/%s", len(records), a.store.Name(), key)
	return nil
}

// Close releases the underlying store.
func (a *Archiver) Close() error {
	return a.store.Close()
}

func (a *Archiver) objectKey(now time.Time) string {
	return fmt.Sprintf("%s/%s/batch-%s-%s.jsonl",
		a.prefix,
		now.Format("2006/01/02"),
		now.Format("150405"),
		uuid.NewString()[:8])
}
