package cache

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/alicebob/miniredis/v2"

	"github.com/crmkit/knowledge/pkg/logger"
)

// Cache bundles the Redis client with the services built on it.
type Cache struct {
	Redis  *Redis
	Locker *RedisLocker
	mr     *miniredis.Miniredis
}

// SetupCache connects to Redis, or starts an in-process miniredis when the
// mode is embedded.
func SetupCache(ctx context.Context, cfg *Config) (*Cache, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}
	effective := *cfg
	var mr *miniredis.Miniredis
	if strings.EqualFold(cfg.Mode, ModeEmbedded) {
		var err error
		mr, err = miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("starting embedded redis: %w", err)
		}
		host, port, err := net.SplitHostPort(mr.Addr())
		if err != nil {
			mr.Close()
			return nil, fmt.Errorf("embedded redis address: %w", err)
		}
		effective.URL = ""
		effective.Host = host
		effective.Port = port
		effective.Password = ""
		effective.TLSEnabled = false
		logger.FromContext(ctx).Info("Embedded redis started", "addr", mr.Addr())
	}
	client, err := NewRedis(ctx, &effective)
	if err != nil {
		if mr != nil {
			mr.Close()
		}
		return nil, err
	}
	return &Cache{
		Redis:  client,
		Locker: NewRedisLocker(client, cfg.LockTTL),
		mr:     mr,
	}, nil
}

// Close gracefully shuts down the cache
func (c *Cache) Close() error {
	var err error
	if c.Redis != nil {
		if cerr := c.Redis.Close(); cerr != nil {
			err = fmt.Errorf("failed to close Redis: %w", cerr)
		}
	}
	if c.mr != nil {
		c.mr.Close()
	}
	return err
}

// HealthCheck performs a health check on all cache components
func (c *Cache) HealthCheck(ctx context.Context) error {
	if c.Redis != nil {
		return c.Redis.HealthCheck(ctx)
	}
	return nil
}
