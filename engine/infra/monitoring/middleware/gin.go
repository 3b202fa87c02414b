// Package middleware records HTTP metrics for the knowledge API.
package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/crmkit/knowledge/engine/infra/monitoring/metrics"
	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	ownerHeader    = "X-Owner-ID"
	unmatchedRoute = "unmatched"
)

type httpInstruments struct {
	requests      metric.Int64Counter
	duration      metric.Float64Histogram
	inFlight      metric.Int64UpDownCounter
	responseBytes metric.Int64Histogram
}

func newHTTPInstruments(meter metric.Meter) (*httpInstruments, error) {
	var inst httpInstruments
	var errs []error
	var err error
	inst.requests, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("http", "requests_total"),
		metric.WithDescription("HTTP requests by route template and status"),
	)
	errs = append(errs, err)
	inst.duration, err = meter.Float64Histogram(
		metrics.MetricNameWithSubsystem("http", "request_duration_seconds"),
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.HTTPDurationBuckets...),
	)
	errs = append(errs, err)
	inst.inFlight, err = meter.Int64UpDownCounter(
		metrics.MetricNameWithSubsystem("http", "requests_in_flight"),
		metric.WithDescription("HTTP requests currently being served"),
	)
	errs = append(errs, err)
	inst.responseBytes, err = meter.Int64Histogram(
		metrics.MetricNameWithSubsystem("http", "response_size_bytes"),
		metric.WithDescription("Size of HTTP response bodies"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(metrics.ResponseSizeBuckets...),
	)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &inst, nil
}

type settings struct {
	skip map[string]struct{}
}

// Option tunes HTTPMetrics.
type Option func(*settings)

// WithSkipPaths excludes request paths from measurement, such as the scrape
// endpoint itself.
func WithSkipPaths(paths ...string) Option {
	return func(s *settings) {
		for _, p := range paths {
			if p != "" {
				s.skip[p] = struct{}{}
			}
		}
	}
}

// HTTPMetrics counts requests by route template, status and whether the
// request carried a tenant scope. Owner IDs themselves are never recorded.
// A nil meter or failed instrument setup yields a pass-through handler.
func HTTPMetrics(meter metric.Meter, opts ...Option) gin.HandlerFunc {
	passThrough := func(c *gin.Context) { c.Next() }
	if meter == nil {
		return passThrough
	}
	inst, err := newHTTPInstruments(meter)
	if err != nil {
		logger.GetDefault().Error("Failed to create HTTP instruments; metrics disabled", "error", err)
		return passThrough
	}
	cfg := settings{skip: make(map[string]struct{})}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(c *gin.Context) {
		if _, ok := cfg.skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		start := time.Now()
		inst.inFlight.Add(ctx, 1)
		defer inst.inFlight.Add(ctx, -1)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		status := c.Writer.Status()
		attrs := metric.WithAttributes(
			attribute.String("method", c.Request.Method),
			attribute.String("path", route),
			attribute.String("status_code", strconv.Itoa(status)),
			attribute.String("status_class", strconv.Itoa(status/100)+"xx"),
			attribute.Bool("tenant_scoped", c.GetHeader(ownerHeader) != ""),
		)
		inst.requests.Add(ctx, 1, attrs)
		inst.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		if size := c.Writer.Size(); size >= 0 {
			inst.responseBytes.Record(ctx, int64(size), attrs)
		}
	}
}
