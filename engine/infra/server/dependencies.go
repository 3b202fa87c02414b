package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crmkit/knowledge/engine/infra/cache"
	"github.com/crmkit/knowledge/engine/infra/postgres"
	"github.com/crmkit/knowledge/engine/infra/server/appstate"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/chunk"
	"github.com/crmkit/knowledge/engine/knowledge/embedder"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
	"github.com/crmkit/knowledge/engine/knowledge/retriever"
	"github.com/crmkit/knowledge/engine/knowledge/source"
	"github.com/crmkit/knowledge/engine/knowledge/store"
	"github.com/crmkit/knowledge/pkg/config"
	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	driverPostgres = "postgres"
	driverMemory   = "memory"
	lockModeLocal  = "local"
)

// HealthCheck checks one backing service.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies holds every service built from the configuration along with
// the hooks needed to check and release them.
type Dependencies struct {
	State    *appstate.State
	Locker   ingest.Locker
	Redis    redis.UniversalClient
	Checks   []HealthCheck
	cleanups []func(context.Context)
}

// Close releases resources in reverse order of acquisition.
func (d *Dependencies) Close(ctx context.Context) {
	for i := len(d.cleanups) - 1; i >= 0; i-- {
		d.cleanups[i](ctx)
	}
	d.cleanups = nil
}

func (d *Dependencies) onClose(fn func(context.Context)) {
	d.cleanups = append(d.cleanups, fn)
}

// Setup builds stores, the lock backend, the embedder and the knowledge
// services. On error everything acquired so far is released.
func Setup(ctx context.Context, cfg *config.Config) (_ *Dependencies, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	log := logger.FromContext(ctx)
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			deps.Close(context.WithoutCancel(ctx))
		}
	}()
	documents, chunks, err := deps.setupStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	locker, err := deps.setupLocker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	counter := embedder.NewTokenCounter(cfg.Embedder.Model)
	emb, err := embedder.New(&embedder.Config{
		Provider:  cfg.Embedder.Provider,
		BaseURL:   cfg.Embedder.BaseURL,
		APIKey:    cfg.Embedder.APIKey.Value(),
		Model:     cfg.Embedder.Model,
		Dimension: cfg.Embedder.Dimension,
		Timeout:   cfg.Embedder.Timeout,
		CacheSize: cfg.Embedder.CacheSize,
	}, embedder.WithTokenCounter(counter))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	splitter := chunk.NewSplitter(chunk.WithAITimeout(cfg.Chunking.AITimeout))
	orch, err := ingest.NewOrchestrator(ingest.Dependencies{
		Splitter:  splitter,
		Embedder:  emb,
		Chunks:    chunks,
		Documents: documents,
		Locker:    locker,
	}, ingest.Config{
		Concurrency:    cfg.Ingest.Concurrency,
		MaxAttempts:    cfg.Ingest.MaxAttempts,
		BaseBackoff:    cfg.Ingest.InitialBackoff,
		MaxBackoff:     cfg.Ingest.MaxBackoff,
		EmbedTimeout:   cfg.Embedder.Timeout,
		OverallTimeout: cfg.Ingest.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	policy, err := retriever.ParseStalePolicy(cfg.Retrieval.StalePolicy)
	if err != nil {
		return nil, err
	}
	retrieval, err := retriever.NewService(
		emb,
		chunks,
		retriever.WithStalePolicy(policy, cfg.Retrieval.StalePenalty),
		retriever.WithTokenEstimator(retriever.CounterEstimator{Counter: counter}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}
	loader := source.NewLoader(source.Config{
		MaxBytes:             cfg.Sources.MaxBytes,
		FetchTimeout:         cfg.Sources.FetchTimeout,
		PDFEndpoint:          cfg.Sources.PDFEndpoint,
		AllowedHosts:         cfg.Sources.AllowedHosts,
		AllowPrivateNetworks: cfg.Sources.AllowPrivateNetworks,
	})
	state, err := appstate.NewState(
		appstate.NewBaseDeps(documents, chunks),
		orch,
		retrieval,
		loader,
		DefaultsFromConfig(cfg),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create app state: %w", err)
	}
	deps.State = state
	deps.Locker = locker
	log.Info("Knowledge services ready",
		"store_driver", cfg.Database.Driver,
		"lock_mode", cfg.Redis.Mode,
		"embedder", cfg.Embedder.Provider,
		"model", cfg.Embedder.Model,
		"dimension", cfg.Embedder.Dimension,
		"stale_policy", policy,
	)
	return deps, nil
}

// DefaultsFromConfig maps request defaults out of the configuration.
func DefaultsFromConfig(cfg *config.Config) appstate.Defaults {
	return appstate.Defaults{
		Chunking: knowledge.ChunkingOptions{
			Method:      knowledge.ChunkingMethod(cfg.Chunking.DefaultMethod),
			Separator:   cfg.Chunking.Separator,
			HeaderDepth: cfg.Chunking.HeaderDepth,
			ChunkSize:   cfg.Chunking.ChunkSize,
			Endpoint:    cfg.Chunking.AIEndpoint,
		},
		Policy:    ingest.Policy(cfg.Ingest.FailurePolicy),
		Threshold: cfg.Retrieval.DefaultThreshold,
		TopK:      cfg.Retrieval.DefaultTopK,
		MaxTopK:   cfg.Retrieval.MaxTopK,
	}
}

func (d *Dependencies) setupStores(
	ctx context.Context,
	cfg *config.Config,
) (store.DocumentStore, store.ChunkStore, error) {
	log := logger.FromContext(ctx)
	switch strings.TrimSpace(cfg.Database.Driver) {
	case driverMemory:
		log.Warn("Using in-memory store; documents are lost on restart")
		docs := store.NewMemoryDocuments()
		return docs, store.NewMemoryChunks(docs, cfg.Embedder.Dimension), nil
	case "", driverPostgres:
		start := time.Now()
		pgCfg := PostgresConfig(cfg)
		if cfg.Database.AutoMigrate {
			if err := postgres.ApplyMigrations(ctx, pgCfg.DSN()); err != nil {
				return nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
		}
		pg, err := postgres.NewStore(ctx, pgCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		d.onClose(func(ctx context.Context) {
			if err := pg.Close(ctx); err != nil {
				logger.FromContext(ctx).Error("Failed to close postgres store", "error", err)
			}
		})
		d.Checks = append(d.Checks, HealthCheck{Name: "database", Check: pg.HealthCheck})
		log.Info("Postgres store ready",
			"auto_migrate", cfg.Database.AutoMigrate,
			"duration", time.Since(start),
		)
		pool := pg.Pool()
		return postgres.NewDocumentRepo(pool), postgres.NewChunkRepo(pool, cfg.Embedder.Dimension), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// PostgresConfig maps the database section onto the driver config.
func PostgresConfig(cfg *config.Config) *postgres.Config {
	db := cfg.Database
	return &postgres.Config{
		ConnString:   db.ConnString,
		Host:         db.Host,
		Port:         db.Port,
		User:         db.User,
		Password:     db.Password.Value(),
		DBName:       db.DBName,
		SSLMode:      db.SSLMode,
		MaxOpenConns: db.MaxConns,
	}
}

func (d *Dependencies) setupLocker(ctx context.Context, cfg *config.Config) (ingest.Locker, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Redis.Mode))
	if mode == "" || mode == lockModeLocal {
		return ingest.NewLocalLocker(), nil
	}
	c, err := cache.SetupCache(ctx, &cache.Config{
		Mode:     mode,
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password.Value(),
		DB:       cfg.Redis.DB,
		LockTTL:  cfg.EffectiveLockTTL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup redis: %w", err)
	}
	d.onClose(func(ctx context.Context) {
		if err := c.Close(); err != nil {
			logger.FromContext(ctx).Error("Failed to close redis", "error", err)
		}
	})
	d.Redis = c.Redis.Client()
	d.Checks = append(d.Checks, HealthCheck{Name: "redis", Check: c.HealthCheck})
	return c.Locker, nil
}
