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
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"axonflow/engine/provider"
	"axonflow/engine/registry"
	"axonflow/engine/secrets"
	"axonflow/engine/tracearchive"
)

// Run is the exported entry point for the decision engine service.
//
// It wires the stores, provider adapters, firewall, and lineage
// recorder from environment configuration, exposes the HTTP surface,
// and blocks until SIGINT/SIGTERM. Shutdown drains in-flight requests
// and the lineage queue before exiting.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8082)
//   - DATABASE_URL or DATABASE_HOST/PORT/NAME/USER/PASSWORD/SSLMODE:
//     Postgres/MySQL for policies, subscriptions, budgets, and traces
//   - REDIS_URL: shared budget counters across instances (optional)
//   - MONGO_URI: experiment definitions (optional)
//   - CASSANDRA_URL: append-heavy trace store (optional)
//   - MODEL_CATALOG_FILE, POLICY_BUNDLE_DIR, PRICING_FILE: declarative inputs
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, BEDROCK_REGION,
//     SELFHOSTED_ENDPOINT: provider credentials (all optional)
//   - SECRETS_REGION + *_SECRET_REF: fetch keys from AWS Secrets Manager
//   - TRACE_ARCHIVE_BACKEND/BUCKET: long-term trace archive (optional)
func Run() {
	log.Println("Starting AxonFlow Decision Engine...")

	cfg := LoadConfigFromEnv()
	ctx := context.Background()

	// Relational store is optional; everything it backs degrades to
	// in-process memory so a bare `go run` still serves decisions.
	var db *sql.DB
	var dialect string
	if cfg.DatabaseURL != "" {
		var err error
		db, dialect, err = OpenDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Printf("⚠️  Database connection failed: %v", err)
			log.Println("   Policies, subscriptions, budgets, and traces fall back to in-memory stores")
			db = nil
		} else {
			log.Printf("✅ Database connected (%s)", dialect)
		}
	} else {
		log.Println("ℹ️  DATABASE_URL not set - using in-memory stores")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️  Invalid REDIS_URL: %v - budget counters stay per-instance", err)
		} else {
			redisClient = redis.NewClient(ropts)
			if err := redisClient.Ping(ctx).Err(); err != nil {
				log.Printf("⚠️  Redis unreachable: %v - budget counters stay per-instance", err)
				redisClient = nil
			} else {
				log.Println("✅ Redis connected - budget counters shared across instances")
			}
		}
	}

	// Model catalog: file first, then database rows override.
	reg := registry.New()
	if cfg.CatalogFile != "" {
		n, err := reg.LoadCatalogFile(cfg.CatalogFile)
		if err != nil {
			log.Printf("⚠️  Failed to load model catalog %s: %v", cfg.CatalogFile, err)
		} else {
			log.Printf("✅ Model catalog loaded from file (%d models)", n)
		}
	}
	if db != nil {
		n, err := reg.LoadFromDB(db)
		if err != nil {
			log.Printf("⚠️  Failed to load model catalog from database: %v", err)
		} else if n > 0 {
			log.Printf("✅ Model catalog loaded from database (%d models)", n)
		}
	}
	if reg.Len() == 0 {
		log.Println("⚠️  Model catalog is empty - every request will be refused until models are registered")
	}

	var policyOpts []PolicyStoreOption
	if db != nil {
		policyOpts = append(policyOpts, WithPolicyDatabase(db, dialect))
	}
	policies, err := NewPolicyStore(reg, policyOpts...)
	if err != nil {
		log.Fatalf("Failed to initialize policy store: %v", err)
	}
	if cfg.PolicyDir != "" {
		n, err := policies.LoadPolicyDir(cfg.PolicyDir)
		if err != nil {
			log.Printf("⚠️  Failed to load policy bundle dir %s: %v", cfg.PolicyDir, err)
		} else {
			log.Printf("✅ Policy bundles loaded (%d apps)", n)
		}
	}

	var subOpts []SubscriptionStoreOption
	if db != nil {
		subOpts = append(subOpts, WithSubscriptionDatabase(db, dialect))
	}
	subscriptions, err := NewSubscriptionStore(subOpts...)
	if err != nil {
		log.Fatalf("Failed to initialize subscription store: %v", err)
	}

	var budgetOpts []BudgetOption
	if db != nil {
		budgetOpts = append(budgetOpts, WithBudgetDatabase(db, dialect))
	}
	if redisClient != nil {
		budgetOpts = append(budgetOpts, WithBudgetRedis(redisClient))
	}
	budget, err := NewBudgetLedger(budgetOpts...)
	if err != nil {
		log.Fatalf("Failed to initialize budget ledger: %v", err)
	}

	// Experiments load from Mongo when configured; guardrail rollbacks
	// write back so a tripped experiment stays off across restarts.
	overlay := NewExperimentOverlay()
	var expStore *ExperimentStore
	if cfg.MongoURI != "" {
		expStore, err = NewExperimentStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Printf("⚠️  Experiment store unavailable: %v - overlay starts empty", err)
			expStore = nil
		} else {
			exps, err := expStore.Load(ctx)
			if err != nil {
				log.Printf("⚠️  Failed to load experiments: %v", err)
			} else {
				overlay.SetExperiments(exps)
				log.Printf("✅ Experiment overlay loaded (%d experiments)", len(exps))
			}
			store := expStore
			overlay.OnRollback(func(exp Experiment) {
				rbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := store.MarkRolledBack(rbCtx, exp.ID, exp.RolledBackAt); err != nil {
					log.Printf("⚠️  Failed to persist rollback of experiment %s: %v", exp.ID, err)
				}
			})
		}
	}

	pricing := LoadPricingFromEnv()
	if cfg.PricingFile != "" {
		if err := pricing.LoadFile(cfg.PricingFile); err != nil {
			log.Printf("⚠️  Failed to load pricing file %s: %v", cfg.PricingFile, err)
		} else {
			log.Printf("✅ Pricing loaded from %s", cfg.PricingFile)
		}
	}

	adapters := buildAdapters(ctx, cfg)
	if len(adapters.Names()) == 0 {
		log.Println("⚠️  No provider credentials configured - registering mock adapter for local development")
		adapters.Register(provider.NewMockAdapter("openai"))
		adapters.Register(provider.NewMockAdapter("selfhosted"))
	}

	lineage := buildLineage(ctx, cfg, db, dialect)

	health := NewHealthTracker(cfg.Health)

	var fwOpts []FirewallOption
	if cfg.SanitizerRef != "" {
		if desc, ok := reg.Lookup(cfg.SanitizerRef); ok {
			fwOpts = append(fwOpts, WithContextualDetector(NewModelJudge(adapters, desc)))
		} else {
			log.Printf("⚠️  SANITIZER_MODEL %q not in catalog - contextual screening disabled", cfg.SanitizerRef)
		}
	}
	firewall := NewFirewall(adapters, fwOpts...)

	eng, err := NewEngine(EngineConfig{
		Registry:      reg,
		Policies:      policies,
		Subscriptions: subscriptions,
		Health:        health,
		Budget:        budget,
		Experiments:   overlay,
		Pricing:       pricing,
		Adapters:      adapters,
		Firewall:      firewall,
		Lineage:       lineage,
		Retry:         cfg.Retry,
		SanitizerRef:  cfg.SanitizerRef,
	})
	if err != nil {
		log.Fatalf("Engine wiring failed: %v", err)
	}
	log.Println("✅ Decision engine initialized")

	if lineage != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "axonflow_engine_lineage_queue_depth",
				Help: "Decision traces buffered and not yet persisted",
			},
			func() float64 { return float64(lineage.QueueDepth()) },
		))
	}

	server := NewServer(ServerConfig{
		Engine:        eng,
		Registry:      reg,
		Policies:      policies,
		Subscriptions: subscriptions,
		Health:        health,
		Budget:        budget,
		Experiments:   overlay,
		Adapters:      adapters,
		Lineage:       lineage,
		AuthSecret:    cfg.AuthSecret,
		InstanceID:    cfg.InstanceID,
	})

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           c.Handler(server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	server.SetReady(true)
	errChan := make(chan error, 1)
	go func() {
		log.Printf("🚀 AxonFlow Decision Engine %s listening on port %s", cfg.InstanceID, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	case sig := <-interrupt:
		log.Printf("Received %s, draining...", sig)
	}

	server.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}

	// Engine close stops the store refresh loops and drains the
	// lineage queue into the sink.
	eng.Close()

	if expStore != nil {
		if err := expStore.Close(); err != nil {
			log.Printf("⚠️  Experiment store close: %v", err)
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Printf("⚠️  Redis close: %v", err)
		}
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("⚠️  Database close: %v", err)
		}
	}
	log.Println("✅ Shutdown complete")
}

// buildAdapters registers one adapter per configured provider. API keys
// resolve through Secrets Manager when SECRETS_REGION is set, falling
// back to plain environment variables otherwise.
func buildAdapters(ctx context.Context, cfg Config) *provider.Set {
	var manager secrets.Manager
	if cfg.SecretsRegion != "" {
		m, err := secrets.NewAWSManager(ctx, secrets.AWSManagerOptions{Region: cfg.SecretsRegion})
		if err != nil {
			log.Printf("⚠️  Secrets Manager unavailable: %v - falling back to env keys", err)
			manager = secrets.NewEnvManager(nil)
		} else {
			log.Printf("✅ Secrets Manager connected (region %s)", cfg.SecretsRegion)
			manager = m
		}
	} else {
		manager = secrets.NewEnvManager(nil)
	}
	resolver := secrets.NewResolver(manager, map[string]string{
		"openai":    cfg.OpenAISecretRef,
		"anthropic": cfg.AnthropicSecretRef,
	})

	set := provider.NewSet()

	openAIKey := cfg.OpenAIKey
	if key, err := resolver.ProviderKey(ctx, "openai"); err != nil {
		log.Printf("⚠️  OpenAI key resolution failed: %v", err)
	} else if key != "" {
		openAIKey = key
	}
	if openAIKey != "" {
		set.Register(provider.NewOpenAIAdapter(provider.OpenAIConfig{APIKey: openAIKey}))
		log.Println("✅ OpenAI adapter registered")
	}

	anthropicKey := cfg.AnthropicKey
	if key, err := resolver.ProviderKey(ctx, "anthropic"); err != nil {
		log.Printf("⚠️  Anthropic key resolution failed: %v", err)
	} else if key != "" {
		anthropicKey = key
	}
	if anthropicKey != "" {
		a, err := provider.NewAnthropicAdapter(provider.AnthropicConfig{APIKey: anthropicKey})
		if err != nil {
			log.Printf("⚠️  Anthropic adapter init failed: %v", err)
		} else {
			set.Register(a)
			log.Println("✅ Anthropic adapter registered")
		}
	}

	if cfg.BedrockRegion != "" {
		b, err := provider.NewBedrockAdapter(ctx, cfg.BedrockRegion)
		if err != nil {
			log.Printf("⚠️  Bedrock adapter init failed: %v", err)
		} else {
			set.Register(b)
			log.Printf("✅ Bedrock adapter registered (region %s)", cfg.BedrockRegion)
		}
	}

	if cfg.SelfHostedEndpoint != "" {
		set.Register(provider.NewOpenAIAdapter(provider.OpenAIConfig{
			Name:    "selfhosted",
			APIKey:  cfg.SelfHostedKey,
			BaseURL: cfg.SelfHostedEndpoint,
		}))
		log.Printf("✅ Self-hosted adapter registered (endpoint %s)", cfg.SelfHostedEndpoint)
	}

	return set
}

// buildLineage assembles the trace sink chain: relational store,
// optional Cassandra for append-heavy deployments, optional object
// storage archive. Nil means traces are logged and dropped.
func buildLineage(ctx context.Context, cfg Config, db *sql.DB, dialect string) *LineageRecorder {
	var sinks []TraceSink

	if db != nil {
		sink, err := NewSQLTraceSink(db, dialect)
		if err != nil {
			log.Printf("⚠️  Trace table setup failed: %v", err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if cfg.CassandraURL != "" {
		sink, err := NewCassandraTraceSink(cfg.CassandraURL)
		if err != nil {
			log.Printf("⚠️  Cassandra trace sink unavailable: %v", err)
		} else {
			sinks = append(sinks, sink)
			log.Println("✅ Cassandra trace sink connected")
		}
	}

	if cfg.ArchiveBackend != "" {
		store, err := buildArchiveStore(ctx, cfg)
		if err != nil {
			log.Printf("⚠️  Trace archive (%s) unavailable: %v", cfg.ArchiveBackend, err)
		} else {
			sinks = append(sinks, NewArchiveTraceSink(tracearchive.NewArchiver(store, cfg.ArchivePrefix)))
			log.Printf("✅ Trace archive connected (%s://%s)", cfg.ArchiveBackend, cfg.ArchiveBucket)
		}
	}

	switch len(sinks) {
	case 0:
		log.Println("⚠️  No trace sink configured - decision traces will not be persisted")
		return nil
	case 1:
		return NewLineageRecorder(sinks[0])
	default:
		return NewLineageRecorder(NewMultiTraceSink(sinks...))
	}
}

func buildArchiveStore(ctx context.Context, cfg Config) (tracearchive.ObjectStore, error) {
	switch cfg.ArchiveBackend {
	case "s3":
		return tracearchive.NewS3Store(ctx, tracearchive.S3Config{
			Bucket: cfg.ArchiveBucket,
			Region: getEnv("TRACE_ARCHIVE_REGION", os.Getenv("AWS_REGION")),
		})
	case "gcs":
		return tracearchive.NewGCSStore(ctx, tracearchive.GCSConfig{
			Bucket: cfg.ArchiveBucket,
		})
	case "azure":
		return tracearchive.NewAzureStore(ctx, tracearchive.AzureConfig{
			AccountName:      os.Getenv("AZURE_STORAGE_ACCOUNT"),
			Container:        cfg.ArchiveBucket,
			AccountKey:       os.Getenv("AZURE_STORAGE_KEY"),
			ConnectionString: os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
		})
	default:
		return nil, errors.New("unknown archive backend")
	}
}
