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
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage archive backend.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string // service account JSON key path
	CredentialsJSON string // inline service account JSON
	Endpoint        string // custom endpoint, for the emulator
}

// GCSStore implements ObjectStore over a GCS bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore builds the client and verifies the bucket is reachable.
// Empty credentials fall back to Application Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs archive: bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	} else if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs archive: failed to create client: %w", err)
	}

	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs archive: failed to verify bucket %s: %w", cfg.Bucket, err)
	}

	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

// Put implements ObjectStore.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Name implements ObjectStore.
func (s *GCSStore) Name() string { return "gs://" + s.bucket }

// Close implements ObjectStore.
func (s *GCSStore) Close() error { return s.client.Close() }
