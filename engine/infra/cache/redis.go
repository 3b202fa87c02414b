package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crmkit/knowledge/pkg/logger"
)

// RedisInterface is the subset of commands the document lock needs.
type RedisInterface interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Redis wraps the client shared by the ingest lock and the API rate limiter.
type Redis struct {
	client redis.UniversalClient
	once   sync.Once
	log    logger.Logger
}

const (
	defaultPingTimeout = 10 * time.Second
	healthCheckKey     = "knowledge:health_check"
)

// NewRedis connects and pings within cfg.PingTimeout.
func NewRedis(ctx context.Context, cfg *Config) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	log := logger.FromContext(ctx).With("component", "infra_redis")
	opt, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging Redis server (timeout=%s): %w", timeout, err)
	}
	log.Info("Redis connection established", "addr", opt.Addr, "db", opt.DB, "tls_enabled", opt.TLSConfig != nil)
	return &Redis{client: client, log: log}, nil
}

func clientOptions(cfg *Config) (*redis.Options, error) {
	var opt *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		opt = parsed
		if cfg.Password != "" {
			opt.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opt.DB = cfg.DB
		}
	} else {
		opt = &redis.Options{
			Addr:     net.JoinHostPort(cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	if cfg.TLSEnabled && opt.TLSConfig == nil {
		host, _, _ := net.SplitHostPort(opt.Addr)
		opt.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	return opt, nil
}

// Close is idempotent.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		if err = r.client.Close(); err != nil {
			r.log.Error("Redis connection close failed", "error", err)
			return
		}
		r.log.Debug("Redis connection closed")
	})
	return err
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	return r.client.SetNX(ctx, key, value, expiration)
}

func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return r.client.Eval(ctx, script, keys, args...)
}

// HealthCheck round-trips a short-lived key, which catches read-only replicas
// that still answer PING.
func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	token := time.Now().UTC().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, healthCheckKey, token, 10*time.Second).Err(); err != nil {
		return fmt.Errorf("set operation failed: %w", err)
	}
	got, err := r.client.Get(ctx, healthCheckKey).Result()
	if err != nil {
		return fmt.Errorf("get operation failed: %w", err)
	}
	if got != token {
		return fmt.Errorf("health check value mismatch")
	}
	if err := r.client.Del(ctx, healthCheckKey).Err(); err != nil {
		logger.FromContext(ctx).Debug("Failed to clean up health check key", "error", err)
	}
	return nil
}
