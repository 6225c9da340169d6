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

// Package secrets resolves provider API keys from AWS Secrets Manager,
// environment variables, or a static map, with a read-through TTL cache
// in front of remote lookups.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Manager retrieves named secrets as credential maps. Implementations
// must be safe for concurrent use.
type Manager interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// APIKey extracts key material from a credential map. Secrets stored as
// bare strings surface under "value".
func APIKey(creds map[string]string) (string, error) {
	for _, k := range []string{"api_key", "key", "token", "value"} {
		if v := creds[k]; v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("credential map has no api key field")
}

// Resolver binds a Manager to per-provider secret references so adapter
// construction needs one call per provider.
type Resolver struct {
	manager Manager
	refs    map[string]string
}

// NewResolver maps provider names to secret references.
func NewResolver(manager Manager, refs map[string]string) *Resolver {
	return &Resolver{manager: manager, refs: refs}
}

// ProviderKey resolves the API key for a provider. An empty or missing
// reference means the provider is keyless (Bedrock rides the AWS
// credential chain).
func (r *Resolver) ProviderKey(ctx context.Context, provider string) (string, error) {
	ref := r.refs[provider]
	if ref == "" {
		return "", nil
	}
	creds, err := r.manager.GetSecret(ctx, ref)
	if err != nil {
		return "", err
	}
	key, err := APIKey(creds)
	if err != nil {
		return "", fmt.Errorf("secret %s for provider %s: %w", maskRef(ref), provider, err)
	}
	return key, nil
}

// AWSManager retrieves secrets from AWS Secrets Manager and caches them
// for a TTL so key rotation propagates without hammering the API.
type AWSManager struct {
	client *secretsmanager.Client
	cache  map[string]*cacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type cacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSManagerOptions holds options for creating an AWSManager.
type AWSManagerOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
}

// NewAWSManager creates the Secrets Manager client using the default
// credential chain.
func NewAWSManager(ctx context.Context, opts AWSManagerOptions) (*AWSManager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}

	cfgOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetSecret implements Manager. The secret value is expected to be a
// JSON object with string values; a non-JSON secret is returned whole
// under "value".
func (m *AWSManager) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	m.mu.RLock()
	entry, exists := m.cache[ref]
	m.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	m.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskRef(ref))

	result, err := m.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskRef(ref), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskRef(ref))
	}

	var creds map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &creds); err != nil {
		creds = map[string]string{"value": *result.SecretString}
	}

	m.mu.Lock()
	m.cache[ref] = &cacheEntry{
		value:     creds,
		expiresAt: time.Now().Add(m.ttl),
	}
	m.mu.Unlock()

	return creds, nil
}

// Invalidate removes one secret from the cache, forcing a refetch on
// the next lookup. Used after a rotation notice.
func (m *AWSManager) Invalidate(ref string) {
	m.mu.Lock()
	delete(m.cache, ref)
	m.mu.Unlock()
	m.logger.Printf("Invalidated cached secret %s", maskRef(ref))
}

// InvalidateAll clears the secret cache.
func (m *AWSManager) InvalidateAll() {
	m.mu.Lock()
	m.cache = make(map[string]*cacheEntry)
	m.mu.Unlock()
	m.logger.Println("Invalidated all cached secrets")
}

// maskRef masks a secret reference for logging, keeping the last 8
// characters.
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// StaticManager serves secrets from an in-memory map. Used in tests and
// single-box development setups.
type StaticManager struct {
	secrets map[string]map[string]string
	mu      sync.RWMutex
}

// NewStaticManager creates an empty static manager.
func NewStaticManager() *StaticManager {
	return &StaticManager{secrets: make(map[string]map[string]string)}
}

// GetSecret implements Manager.
func (m *StaticManager) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if secret, exists := m.secrets[ref]; exists {
		return secret, nil
	}
	return nil, fmt.Errorf("secret %s not found", ref)
}

// SetSecret stores a secret.
func (m *StaticManager) SetSecret(ref string, value map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[ref] = value
}

// envFields are the credential variables probed per prefix.
var envFields = []string{
	"API_KEY", "API_SECRET", "TOKEN", "BASE_URL",
	"ORG_ID", "ACCESS_KEY", "SECRET_KEY", "REGION",
}

// EnvManager reads credentials from environment variables, treating the
// reference as a variable prefix ("ANTHROPIC" reads ANTHROPIC_API_KEY,
// ANTHROPIC_BASE_URL, ...). The fallback for deployments without a
// secrets service.
type EnvManager struct {
	logger *log.Logger
}

// NewEnvManager creates an environment-backed manager.
func NewEnvManager(logger *log.Logger) *EnvManager {
	if logger == nil {
		logger = log.New(os.Stdout, "[ENV_SECRETS] ", log.LstdFlags)
	}
	return &EnvManager{logger: logger}
}

// GetSecret implements Manager.
func (m *EnvManager) GetSecret(_ context.Context, ref string) (map[string]string, error) {
	creds := make(map[string]string)
	for _, field := range envFields {
		if value := os.Getenv(ref + "_" + field); value != "" {
			creds[strings.ToLower(field)] = value
		}
	}

	if len(creds) == 0 {
		return nil, fmt.Errorf("no credentials found for prefix %s", ref)
	}

	m.logger.Printf("Loaded %d credential(s) from environment for %s", len(creds), ref)
	return creds, nil
}
