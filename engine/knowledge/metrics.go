package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/crmkit/knowledge/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce           sync.Once
	metricsMu             sync.Mutex
	metricsInitErr        error
	ingestDurationHist    metric.Float64Histogram
	chunkCounter          metric.Int64Counter
	embeddingFailCounter  metric.Int64Counter
	chunkFallbackCounter  metric.Int64Counter
	queryLatencyHist      metric.Float64Histogram
	retrievalEmptyCounter metric.Int64Counter
)

// RecordIngestDuration records a finished ingestion run and its outcome.
func RecordIngestDuration(ctx context.Context, method ChunkingMethod, outcome string, d time.Duration) {
	if err := ensureMetrics(); err != nil || ingestDurationHist == nil {
		return
	}
	ingestDurationHist.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", string(method)),
		attribute.String("outcome", outcome),
	))
}

func RecordIngestChunks(ctx context.Context, method ChunkingMethod, chunks int) {
	if chunks <= 0 {
		return
	}
	if err := ensureMetrics(); err != nil || chunkCounter == nil {
		return
	}
	chunkCounter.Add(ctx, int64(chunks), metric.WithAttributes(attribute.String("method", string(method))))
}

func RecordEmbeddingFailure(ctx context.Context, kind EmbeddingErrorKind) {
	if err := ensureMetrics(); err != nil || embeddingFailCounter == nil {
		return
	}
	embeddingFailCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func RecordChunkFallback(ctx context.Context, from ChunkingMethod) {
	if err := ensureMetrics(); err != nil || chunkFallbackCounter == nil {
		return
	}
	chunkFallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("from", string(from))))
}

func RecordQueryLatency(ctx context.Context, scoped bool, d time.Duration) {
	if err := ensureMetrics(); err != nil || queryLatencyHist == nil {
		return
	}
	queryLatencyHist.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("document_scoped", scoped)))
}

func RecordRetrievalEmpty(ctx context.Context) {
	if err := ensureMetrics(); err != nil || retrievalEmptyCounter == nil {
		return
	}
	retrievalEmptyCounter.Add(ctx, 1)
}

func ResetMetricsForTesting() {
	metricsMu.Lock()
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	ingestDurationHist = nil
	chunkCounter = nil
	embeddingFailCounter = nil
	chunkFallbackCounter = nil
	queryLatencyHist = nil
	retrievalEmptyCounter = nil
	metricsMu.Unlock()
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("crmkit.knowledge")
		if err := initIngestMetrics(meter); err != nil {
			metricsInitErr = err
			return
		}
		if err := initRetrievalMetrics(meter); err != nil {
			metricsInitErr = err
		}
	})
	return metricsInitErr
}

func initIngestMetrics(meter metric.Meter) error {
	var err error
	ingestDurationHist, err = meter.Float64Histogram(
		metrics.MetricNameWithSubsystem("knowledge", "ingest_duration_seconds"),
		metric.WithDescription("Latency of document ingestion runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.IngestDurationBuckets...),
	)
	if err != nil {
		return err
	}
	chunkCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("knowledge", "chunks_total"),
		metric.WithDescription("Number of chunks persisted by ingestion"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	embeddingFailCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("knowledge", "embedding_failures_total"),
		metric.WithDescription("Number of embedding calls that failed after retries, by kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}
	chunkFallbackCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("knowledge", "chunking_fallback_total"),
		metric.WithDescription("Number of times a chunker fell back to paragraph splitting"),
		metric.WithUnit("1"),
	)
	return err
}

func initRetrievalMetrics(meter metric.Meter) error {
	var err error
	queryLatencyHist, err = meter.Float64Histogram(
		metrics.MetricNameWithSubsystem("knowledge", "query_latency_seconds"),
		metric.WithDescription("Latency of similarity queries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(metrics.QueryDurationBuckets...),
	)
	if err != nil {
		return err
	}
	retrievalEmptyCounter, err = meter.Int64Counter(
		metrics.MetricNameWithSubsystem("knowledge", "retrieval_empty_total"),
		metric.WithDescription("Number of similarity queries that returned no chunks"),
		metric.WithUnit("1"),
	)
	return err
}
