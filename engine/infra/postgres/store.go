package postgres

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	defaultMaxConns           = 20
	defaultHealthCheckPeriod  = 30 * time.Second
	defaultConnectTimeout     = 5 * time.Second
	defaultPingTimeout        = 3 * time.Second
	defaultHealthCheckTimeout = 1 * time.Second
)

// Store owns the pgx pool shared by the document and chunk repositories.
type Store struct {
	pool               *pgxpool.Pool
	metrics            *queryMetrics
	healthCheckTimeout time.Duration
}

// NewStore opens the pool and pings it before returning.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres: config is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	applyPoolSettings(cfg, poolCfg)
	metrics, mErr := newQueryMetrics()
	if mErr != nil {
		logger.FromContext(ctx).Warn("Postgres metrics not initialized; continuing without metrics", "error", mErr)
	} else {
		poolCfg.ConnConfig.Tracer = metrics
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, orDefault(cfg.PingTimeout, defaultPingTimeout))
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	metrics.attach(pool)
	logger.FromContext(ctx).Info("Store initialized",
		"store_driver", "postgres",
		"host", cfg.Host,
		"db_name", cfg.DBName,
		"max_conns", poolCfg.MaxConns,
		"min_conns", poolCfg.MinConns,
	)
	return &Store{
		pool:               pool,
		metrics:            metrics,
		healthCheckTimeout: orDefault(cfg.HealthCheckTimeout, defaultHealthCheckTimeout),
	}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close(ctx context.Context) error {
	s.metrics.detach()
	s.pool.Close()
	logger.FromContext(ctx).Info("Postgres store closed")
	return nil
}

// Pool is handed to the repositories; pgx types stay inside this package's
// callers in the infra layer.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// HealthCheck verifies the connection is alive.
func (s *Store) HealthCheck(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.healthCheckTimeout)
	defer cancel()
	if err := s.pool.Ping(hctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}

func applyPoolSettings(cfg *Config, poolCfg *pgxpool.Config) {
	poolCfg.MaxConns, poolCfg.MinConns = connectionBounds(cfg.MaxOpenConns, cfg.MaxIdleConns)
	poolCfg.HealthCheckPeriod = orDefault(cfg.HealthCheckPeriod, defaultHealthCheckPeriod)
	poolCfg.ConnConfig.ConnectTimeout = orDefault(cfg.ConnectTimeout, defaultConnectTimeout)
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
}

// connectionBounds clamps both values into int32 with min <= max.
func connectionBounds(maxOpen, minIdle int) (int32, int32) {
	maxConns := int32(defaultMaxConns)
	if maxOpen > 0 {
		maxConns = int32(min(maxOpen, math.MaxInt32))
	}
	minConns := int32(0)
	if minIdle > 0 {
		minConns = int32(min(minIdle, int(maxConns)))
	}
	return maxConns, minConns
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
