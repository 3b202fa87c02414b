package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testConfig(limit int64, period time.Duration) *Config {
	return &Config{
		Rate:          RateConfig{Limit: limit, Period: period},
		Prefix:        "test:ratelimit:",
		MaxRetry:      1,
		ExcludedPaths: []string{"/healthz"},
	}
}

func buildRouterForTest(t *testing.T, cfg *Config, client redis.UniversalClient, opts ...Option) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	m, err := NewManager(cfg, client, opts...)
	require.NoError(t, err)
	r.Use(m.Middleware())
	r.GET("/t", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func doReq(r *gin.Engine, path, ip, owner string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = ip + ":1234"
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestManager_Middleware(t *testing.T) {
	t.Run("Should block the second request of the same client", func(t *testing.T) {
		r := buildRouterForTest(t, testConfig(1, time.Minute), nil)
		require.Equal(t, http.StatusOK, doReq(r, "/t", "1.2.3.4", "").Code)
		blocked := doReq(r, "/t", "1.2.3.4", "")
		require.Equal(t, http.StatusTooManyRequests, blocked.Code)
		assert.Equal(t, "application/problem+json", blocked.Header().Get("Content-Type"))
		assert.Contains(t, blocked.Body.String(), "rate_limited")
	})

	t.Run("Should key requests by tenant when present", func(t *testing.T) {
		r := buildRouterForTest(t, testConfig(1, time.Minute), nil)
		require.Equal(t, http.StatusOK, doReq(r, "/t", "1.2.3.4", "tenant-a").Code)
		assert.Equal(t, http.StatusOK, doReq(r, "/t", "1.2.3.4", "tenant-b").Code)
		assert.Equal(t, http.StatusTooManyRequests, doReq(r, "/t", "5.6.7.8", "tenant-a").Code)
	})

	t.Run("Should set rate limit headers", func(t *testing.T) {
		r := buildRouterForTest(t, testConfig(2, time.Minute), nil)
		res := doReq(r, "/t", "9.9.9.9", "")
		require.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, "2", res.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", res.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, res.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("Should skip excluded paths", func(t *testing.T) {
		r := buildRouterForTest(t, testConfig(1, time.Minute), nil)
		for range 3 {
			assert.Equal(t, http.StatusOK, doReq(r, "/healthz", "1.1.1.1", "").Code)
		}
	})

	t.Run("Should share counters through redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		first := buildRouterForTest(t, testConfig(1, time.Minute), client)
		second := buildRouterForTest(t, testConfig(1, time.Minute), client)
		require.Equal(t, http.StatusOK, doReq(first, "/t", "2.2.2.2", "tenant-a").Code)
		assert.Equal(t, http.StatusTooManyRequests, doReq(second, "/t", "2.2.2.2", "tenant-a").Code)
	})
}

func TestConfig_Validate(t *testing.T) {
	t.Run("Should reject non-positive limits", func(t *testing.T) {
		assert.Error(t, testConfig(0, time.Minute).Validate())
		assert.Error(t, testConfig(1, 0).Validate())
		assert.NoError(t, DefaultConfig().Validate())
	})
}

func counterPoints(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				return sum.DataPoints
			}
		}
	}
	return nil
}

func TestManager_Metrics(t *testing.T) {
	t.Run("Should count blocked tenant requests by route", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
		r := buildRouterForTest(t, testConfig(1, time.Minute), nil, WithMeter(meter))
		require.Equal(t, http.StatusOK, doReq(r, "/t", "3.3.3.3", "tenant-a").Code)
		require.Equal(t, http.StatusTooManyRequests, doReq(r, "/t", "3.3.3.3", "tenant-a").Code)
		points := counterPoints(t, reader, "crmkit_http_rate_limit_blocks_total")
		require.Len(t, points, 1)
		assert.Equal(t, int64(1), points[0].Value)
		route, _ := points[0].Attributes.Value(attribute.Key("route"))
		key, _ := points[0].Attributes.Value(attribute.Key("key_type"))
		assert.Equal(t, "/t", route.AsString())
		assert.Equal(t, keyTypeOwner, key.AsString())
	})

	t.Run("Should let requests through and count store failures", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = client.Close() })
		r := buildRouterForTest(t, testConfig(1, time.Minute), client, WithMeter(meter))
		mr.Close()
		assert.Equal(t, http.StatusOK, doReq(r, "/t", "4.4.4.4", "").Code)
		points := counterPoints(t, reader, "crmkit_http_rate_limit_store_errors_total")
		require.Len(t, points, 1)
		assert.Equal(t, int64(1), points[0].Value)
	})

	t.Run("Should work without a meter", func(t *testing.T) {
		r := buildRouterForTest(t, testConfig(1, time.Minute), nil)
		require.Equal(t, http.StatusOK, doReq(r, "/t", "5.5.5.5", "").Code)
		assert.Equal(t, http.StatusTooManyRequests, doReq(r, "/t", "5.5.5.5", "").Code)
	})
}
