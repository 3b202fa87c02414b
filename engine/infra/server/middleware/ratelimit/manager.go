package ratelimit

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/otel/metric"

	"github.com/crmkit/knowledge/engine/infra/server/router"
	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	keyTypeOwner = "owner"
	keyTypeIP    = "ip"
)

// Manager owns the limiter store shared by every route.
type Manager struct {
	config  *Config
	limiter *limiter.Limiter
	metrics *limiterMetrics
	meter   metric.Meter
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMeter records blocked requests and store failures on meter.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		m.meter = meter
	}
}

// NewManager builds a limiter backed by redis when client is non-nil and by
// an in-process store otherwise.
func NewManager(cfg *Config, client redis.UniversalClient, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{config: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.meter != nil {
		lm, err := newLimiterMetrics(m.meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limit metrics: %w", err)
		}
		m.metrics = lm
	}
	storeOpts := limiter.StoreOptions{Prefix: cfg.Prefix, MaxRetry: cfg.MaxRetry}
	var (
		store limiter.Store
		err   error
	)
	if client != nil {
		store, err = sredis.NewStoreWithOptions(client, storeOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
		}
	} else {
		store = memory.NewStoreWithOptions(storeOpts)
	}
	m.limiter = limiter.New(store, cfg.Rate.ToLimiterRate())
	return m, nil
}

// Middleware returns the gin handler enforcing the configured rate.
func (m *Manager) Middleware() gin.HandlerFunc {
	limit := mgin.NewMiddleware(
		m.limiter,
		mgin.WithKeyGetter(keyFor),
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			m.metrics.recordBlocked(c.Request.Context(), routeOf(c), keyType(c))
			router.RespondProblemWithCode(c, http.StatusTooManyRequests, router.ErrRateLimitedCode, "rate limit exceeded")
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			// a broken limiter store must not take the API down
			m.metrics.recordStoreError(c.Request.Context(), routeOf(c))
			logger.FromContext(c.Request.Context()).Warn("Rate limiter unavailable", "error", err)
			c.Next()
		}),
	)
	return func(c *gin.Context) {
		if m.excluded(c.Request.URL.Path) {
			c.Next()
			return
		}
		limit(c)
	}
}

func (m *Manager) excluded(path string) bool {
	return slices.ContainsFunc(m.config.ExcludedPaths, func(prefix string) bool {
		return strings.HasPrefix(path, prefix)
	})
}

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return c.Request.URL.Path
}

func keyFor(c *gin.Context) string {
	if owner := strings.TrimSpace(c.GetHeader(router.OwnerHeader)); owner != "" {
		return keyTypeOwner + ":" + owner
	}
	return keyTypeIP + ":" + c.ClientIP()
}

func keyType(c *gin.Context) string {
	if strings.TrimSpace(c.GetHeader(router.OwnerHeader)) != "" {
		return keyTypeOwner
	}
	return keyTypeIP
}
