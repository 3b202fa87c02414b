package embedder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/crmkit/knowledge/engine/infra/monitoring/metrics"
	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/pkg/logger"
)

const (
	meterName      = "crmkit.knowledge.embedder"
	subsystem      = "embeddings"
	labelProvider  = "provider"
	labelModel     = "model"
	labelErrorKind = "error_kind"
	modelOther     = "other"
)

var defaultLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

var (
	metricsOnce       sync.Once
	metricsInitErr    error
	errorLogOnce      sync.Once
	metricInstruments instruments
)

type instruments struct {
	generationLatency metric.Float64Histogram
	tokensTotal       metric.Int64Counter
	cacheHitsTotal    metric.Int64Counter
	cacheMissesTotal  metric.Int64Counter
	errorsTotal       metric.Int64Counter
}

// normalizeModelName keeps the model label cardinality bounded.
func normalizeModelName(model string) string {
	normalized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case normalized == "":
		return modelOther
	case strings.HasPrefix(normalized, "text-embedding-ada"):
		return "text-embedding-ada"
	case strings.HasPrefix(normalized, "text-embedding-3"):
		return "text-embedding-3"
	case strings.HasPrefix(normalized, "embed-"):
		return "embed-generic"
	default:
		return modelOther
	}
}

func recordGeneration(ctx context.Context, provider, model string, duration time.Duration, tokens int) {
	if !ensureInstruments(ctx) {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(labelProvider, provider),
		attribute.String(labelModel, normalizeModelName(model)),
	)
	metricInstruments.generationLatency.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		metricInstruments.tokensTotal.Add(ctx, int64(tokens), attrs)
	}
}

func recordCacheHit(ctx context.Context) {
	if !ensureInstruments(ctx) {
		return
	}
	metricInstruments.cacheHitsTotal.Add(ctx, 1)
}

func recordCacheMiss(ctx context.Context) {
	if !ensureInstruments(ctx) {
		return
	}
	metricInstruments.cacheMissesTotal.Add(ctx, 1)
}

func recordError(ctx context.Context, provider, model string, kind knowledge.EmbeddingErrorKind) {
	if !ensureInstruments(ctx) {
		return
	}
	metricInstruments.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelProvider, provider),
		attribute.String(labelModel, normalizeModelName(model)),
		attribute.String(labelErrorKind, string(kind)),
	))
}

func newInstruments(meter metric.Meter) (instruments, error) {
	latency, err := meter.Float64Histogram(
		monitoringmetrics.MetricNameWithSubsystem(subsystem, "generate_seconds"),
		metric.WithDescription("Embedding call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(defaultLatencyBuckets...),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings latency histogram: %w", err)
	}
	tokens, err := meter.Int64Counter(
		monitoringmetrics.MetricNameWithSubsystem(subsystem, "tokens_total"),
		metric.WithDescription("Total tokens sent for embedding"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings tokens counter: %w", err)
	}
	hits, err := meter.Int64Counter(
		monitoringmetrics.MetricNameWithSubsystem(subsystem, "cache_hits_total"),
		metric.WithDescription("Embedding cache hits"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings cache hits counter: %w", err)
	}
	misses, err := meter.Int64Counter(
		monitoringmetrics.MetricNameWithSubsystem(subsystem, "cache_misses_total"),
		metric.WithDescription("Embedding cache misses"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings cache misses counter: %w", err)
	}
	errorsCounter, err := meter.Int64Counter(
		monitoringmetrics.MetricNameWithSubsystem(subsystem, "errors_total"),
		metric.WithDescription("Embedding call failures by kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return instruments{}, fmt.Errorf("create embeddings errors counter: %w", err)
	}
	return instruments{
		generationLatency: latency,
		tokensTotal:       tokens,
		cacheHitsTotal:    hits,
		cacheMissesTotal:  misses,
		errorsTotal:       errorsCounter,
	}, nil
}

func ensureInstruments(ctx context.Context) bool {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)
		ins, err := newInstruments(meter)
		if err != nil {
			metricsInitErr = err
			return
		}
		metricInstruments = ins
	})
	if metricsInitErr != nil {
		errorLogOnce.Do(func() {
			logger.FromContext(ctx).Error("embedding metrics disabled", "error", metricsInitErr)
		})
		return false
	}
	return true
}
