// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
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
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the engine service configuration. Everything comes from
// the environment (12-Factor App methodology); empty values disable the
// optional backends, so a bare process runs on in-memory stores and the
// mock provider.
type Config struct {
	Port       string
	InstanceID string

	// Metadata stores. DATABASE_URL (or the DATABASE_* parts) selects
	// Postgres or MySQL by scheme; empty keeps policies, subscriptions,
	// budgets, and traces in process memory.
	DatabaseURL   string
	RedisURL      string
	MongoURI      string
	MongoDatabase string
	CassandraURL  string

	// Declarative inputs.
	CatalogFile string
	PolicyDir   string
	PricingFile string

	// Service auth and CORS. An empty secret disables token checks,
	// matching the self-hosted/community posture.
	AuthSecret  string
	CORSOrigins []string

	// Provider credentials. Keys may instead come from Secrets Manager
	// via the *_SECRET_REF indirection below.
	OpenAIKey          string
	AnthropicKey       string
	BedrockRegion      string
	SelfHostedEndpoint string
	SelfHostedKey      string

	SecretsRegion      string
	OpenAISecretRef    string
	AnthropicSecretRef string

	// Long-term trace archive: "s3", "gcs", or "azure".
	ArchiveBackend string
	ArchiveBucket  string
	ArchivePrefix  string

	// SanitizerRef names the "provider/model" used for firewall
	// redrafts. Empty degrades redraft policies to flag.
	SanitizerRef string

	Retry  RetryConfig
	Health HealthConfig
}

// LoadConfigFromEnv reads the service configuration, logging what it
// found so a misconfigured deployment is diagnosable from startup output.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Port:          getEnv("PORT", "8082"),
		InstanceID:    getEnv("INSTANCE_ID", getEnv("HOSTNAME", "engine-local")),
		DatabaseURL:   databaseURLFromEnv(),
		RedisURL:      os.Getenv("REDIS_URL"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getEnv("MONGO_DATABASE", "axonflow"),
		CassandraURL:  os.Getenv("CASSANDRA_URL"),

		CatalogFile: os.Getenv("MODEL_CATALOG_FILE"),
		PolicyDir:   os.Getenv("POLICY_BUNDLE_DIR"),
		PricingFile: os.Getenv("PRICING_FILE"),

		AuthSecret:  os.Getenv("SERVICE_AUTH_SECRET"),
		CORSOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),

		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:       os.Getenv("ANTHROPIC_API_KEY"),
		BedrockRegion:      os.Getenv("BEDROCK_REGION"),
		SelfHostedEndpoint: os.Getenv("SELFHOSTED_ENDPOINT"),
		SelfHostedKey:      os.Getenv("SELFHOSTED_API_KEY"),

		SecretsRegion:      os.Getenv("SECRETS_REGION"),
		OpenAISecretRef:    os.Getenv("OPENAI_SECRET_REF"),
		AnthropicSecretRef: os.Getenv("ANTHROPIC_SECRET_REF"),

		ArchiveBackend: strings.ToLower(os.Getenv("TRACE_ARCHIVE_BACKEND")),
		ArchiveBucket:  os.Getenv("TRACE_ARCHIVE_BUCKET"),
		ArchivePrefix:  getEnv("TRACE_ARCHIVE_PREFIX", "traces"),

		SanitizerRef: os.Getenv("SANITIZER_MODEL"),

		Retry: RetryConfig{
			MaxAttempts:    getEnvInt("ROUTE_MAX_ATTEMPTS", 0),
			InitialBackoff: getEnvDuration("ROUTE_INITIAL_BACKOFF", 0),
			MaxBackoff:     getEnvDuration("ROUTE_MAX_BACKOFF", 0),
			AttemptTimeout: getEnvDuration("ROUTE_ATTEMPT_TIMEOUT", 0),
		},
		Health: HealthConfig{
			FailureThreshold: getEnvInt("HEALTH_FAILURE_THRESHOLD", 0),
			FailureWindow:    getEnvDuration("HEALTH_FAILURE_WINDOW", 0),
			CoolDown:         getEnvDuration("HEALTH_COOLDOWN", 0),
			LatencyCeiling:   getEnvDuration("HEALTH_LATENCY_CEILING", 0),
		},
	}

	switch cfg.ArchiveBackend {
	case "", "s3", "gcs", "azure":
	default:
		log.Printf("[CONFIG] WARNING: Unknown TRACE_ARCHIVE_BACKEND %q, archive disabled (valid: s3, gcs, azure)", cfg.ArchiveBackend)
		cfg.ArchiveBackend = ""
	}
	if cfg.ArchiveBackend != "" && cfg.ArchiveBucket == "" {
		log.Printf("[CONFIG] WARNING: TRACE_ARCHIVE_BACKEND=%s without TRACE_ARCHIVE_BUCKET, archive disabled", cfg.ArchiveBackend)
		cfg.ArchiveBackend = ""
	}

	return cfg
}

// databaseURLFromEnv builds a connection string from the separate
// DATABASE_* variables, falling back to DATABASE_URL. The password is
// URL-encoded so special characters survive the URI format.
func databaseURLFromEnv() string {
	dbHost := os.Getenv("DATABASE_HOST")
	dbPort := os.Getenv("DATABASE_PORT")
	dbName := os.Getenv("DATABASE_NAME")
	dbUser := os.Getenv("DATABASE_USER")
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	dbSSLMode := os.Getenv("DATABASE_SSLMODE")

	dbURL := os.Getenv("DATABASE_URL")
	if dbHost != "" && dbPassword != "" {
		if dbPort == "" {
			dbPort = "5432"
		}
		if dbName == "" {
			dbName = "axonflow"
		}
		if dbUser == "" {
			dbUser = "axonflow_app"
		}
		if dbSSLMode == "" {
			dbSSLMode = "require"
		}
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			url.QueryEscape(dbUser), url.QueryEscape(dbPassword), dbHost, dbPort, dbName, dbSSLMode)
	}
	return dbURL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("[CONFIG] WARNING: Invalid %s %q, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[CONFIG] WARNING: Invalid %s %q, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
