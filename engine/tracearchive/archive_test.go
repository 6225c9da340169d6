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

package tracearchive

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

type memStore struct {
	objects map[string][]byte
	types   map[string]string
	fail    bool
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	if m.fail {
		return errors.New("store unavailable")
	}
	m.objects[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	return nil
}

func (m *memStore) Name() string { return "mem" }
func (m *memStore) Close() error { return nil }

func TestArchiveWritesNewlineDelimited(t *testing.T) {
	store := newMemStore()
	a := NewArchiver(store, "traces")

	records := [][]byte{
		[]byte(`{"audit_id":"a1"}`),
		[]byte(`{"audit_id":"a2"}`),
	}
	if err := a.Archive(context.Background(), records); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.objects) != 1 {
		t.Fatalf("expected 1 object, got %d", len(store.objects))
	}
	for key, data := range store.objects {
		want := "{\"audit_id\":\"a1\"}\n{\"audit_id\":\"a2\"}\n"
		if string(data) != want {
			t.Errorf("unexpected object body: %q", data)
		}
		if ct := store.types[key]; ct != "application/x-ndjson" {
			t.Errorf("unexpected content type: %s", ct)
		}
		if !strings.HasPrefix(key, "traces/") {
			t.Errorf("key missing prefix: %s", key)
		}
	}
}

func TestArchiveEmptyBatchIsNoop(t *testing.T) {
	store := newMemStore()
	a := NewArchiver(store, "traces")

	if err := a.Archive(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.objects) != 0 {
		t.Errorf("expected no objects, got %d", len(store.objects))
	}
}

func TestArchivePropagatesStoreError(t *testing.T) {
	store := newMemStore()
	store.fail = true
	a := NewArchiver(store, "traces")

	err := a.Archive(context.Background(), [][]byte{[]byte(`{}`)})
	if err == nil {
		t.Fatal("expected error from failing store")
	}
	if !strings.Contains(err.Error(), "mem") {
		t.Errorf("error should name the backend: %v", err)
	}
}

func TestObjectKeyLayout(t *testing.T) {
	a := NewArchiver(newMemStore(), "lineage/")

	key := a.objectKey(time.Date(2025, 3, 9, 14, 30, 5, 0, time.UTC))
	pattern := regexp.MustCompile(`^lineage/2025/03/09/batch-143005-[0-9a-f]{8}\.jsonl$`)
	if !pattern.MatchString(key) {
		t.Errorf("unexpected key layout: %s", key)
	}
}

func TestObjectKeyDefaultPrefix(t *testing.T) {
	a := NewArchiver(newMemStore(), "")

	key := a.objectKey(time.Date(2025, 3, 9, 14, 30, 5, 0, time.UTC))
	if !strings.HasPrefix(key, "traces/2025/03/09/") {
		t.Errorf("unexpected key: %s", key)
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{})
	if err == nil {
		t.Error("expected error without bucket")
	}
}

func TestNewGCSStoreRequiresBucket(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{})
	if err == nil {
		t.Error("expected error without bucket")
	}
}

func TestNewAzureStoreConfigValidation(t *testing.T) {
	_, err := NewAzureStore(context.Background(), AzureConfig{})
	if err == nil {
		t.Error("expected error without container")
	}

	_, err = NewAzureStore(context.Background(), AzureConfig{
		Container:  "archive",
		AccountKey: "key",
	})
	if err == nil {
		t.Error("expected error for account key without account name")
	}
}
