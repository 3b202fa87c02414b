package ratelimit

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/crmkit/knowledge/engine/infra/monitoring/metrics"
)

// limiterMetrics counts requests turned away by the limiter and store
// failures that let requests through unthrottled. A nil receiver records
// nothing.
type limiterMetrics struct {
	blocked     metric.Int64Counter
	storeErrors metric.Int64Counter
}

func newLimiterMetrics(meter metric.Meter) (*limiterMetrics, error) {
	blocked, errBlocked := meter.Int64Counter(
		metrics.MetricNameWithSubsystem("http", "rate_limit_blocks_total"),
		metric.WithDescription("Requests rejected with 429 by route and key type"),
		metric.WithUnit("1"),
	)
	storeErrors, errStore := meter.Int64Counter(
		metrics.MetricNameWithSubsystem("http", "rate_limit_store_errors_total"),
		metric.WithDescription("Limiter store failures that let requests through"),
		metric.WithUnit("1"),
	)
	if err := errors.Join(errBlocked, errStore); err != nil {
		return nil, err
	}
	return &limiterMetrics{blocked: blocked, storeErrors: storeErrors}, nil
}

func (m *limiterMetrics) recordBlocked(ctx context.Context, route, keyType string) {
	if m == nil {
		return
	}
	m.blocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("key_type", keyType),
	))
}

func (m *limiterMetrics) recordStoreError(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}
