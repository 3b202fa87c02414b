package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	monitoringmetrics "github.com/crmkit/knowledge/engine/infra/monitoring/metrics"
)

const postgresMeterName = "crmkit.knowledge.postgres"

var (
	postgresMetricsOnce  sync.Once
	postgresMetricsErr   error
	postgresConnsInUse   metric.Int64ObservableGauge
	postgresConnsIdle    metric.Int64ObservableGauge
	postgresConnsMax     metric.Int64ObservableGauge
	postgresQueryLatency metric.Float64Histogram
	postgresQueryErrors  metric.Int64Counter
	postgresPools        sync.Map
)

// queryMetrics observes pool occupancy and times every statement issued by
// the document and chunk repositories.
type queryMetrics struct {
	pool atomic.Pointer[pgxpool.Pool]
}

type queryStartKey struct{}

type queryStart struct {
	at        time.Time
	statement string
}

func newQueryMetrics() (*queryMetrics, error) {
	postgresMetricsOnce.Do(func() {
		postgresMetricsErr = initPostgresInstruments(otel.GetMeterProvider().Meter(postgresMeterName))
	})
	if postgresMetricsErr != nil {
		return nil, fmt.Errorf("postgres: init metrics: %w", postgresMetricsErr)
	}
	return &queryMetrics{}, nil
}

func initPostgresInstruments(meter metric.Meter) error {
	var err error
	if postgresConnsInUse, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "connections_in_use"),
		metric.WithDescription("Postgres connections currently acquired"),
	); err != nil {
		return err
	}
	if postgresConnsIdle, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "connections_idle"),
		metric.WithDescription("Idle Postgres connections"),
	); err != nil {
		return err
	}
	if postgresConnsMax, err = meter.Int64ObservableGauge(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "max_connections"),
		metric.WithDescription("Configured Postgres pool size"),
	); err != nil {
		return err
	}
	if postgresQueryLatency, err = meter.Float64Histogram(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "query_duration_seconds"),
		metric.WithDescription("Latency of knowledge store statements"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	); err != nil {
		return err
	}
	if postgresQueryErrors, err = meter.Int64Counter(
		monitoringmetrics.MetricNameWithSubsystem("postgres", "query_errors_total"),
		metric.WithDescription("Knowledge store statements that returned an error"),
	); err != nil {
		return err
	}
	_, err = meter.RegisterCallback(observePools, postgresConnsInUse, postgresConnsIdle, postgresConnsMax)
	return err
}

func observePools(_ context.Context, observer metric.Observer) error {
	postgresPools.Range(func(key, _ any) bool {
		m, ok := key.(*queryMetrics)
		if !ok {
			return true
		}
		pool := m.pool.Load()
		if pool == nil {
			return true
		}
		stats := pool.Stat()
		observer.ObserveInt64(postgresConnsInUse, int64(stats.AcquiredConns()))
		observer.ObserveInt64(postgresConnsIdle, int64(stats.IdleConns()))
		observer.ObserveInt64(postgresConnsMax, int64(stats.MaxConns()))
		return true
	})
	return nil
}

func (m *queryMetrics) attach(pool *pgxpool.Pool) {
	if m == nil || pool == nil {
		return
	}
	m.pool.Store(pool)
	postgresPools.Store(m, struct{}{})
}

func (m *queryMetrics) detach() {
	if m == nil {
		return
	}
	postgresPools.Delete(m)
	m.pool.Store(nil)
}

// TraceQueryStart implements pgx.QueryTracer.
func (m *queryMetrics) TraceQueryStart(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	return context.WithValue(ctx, queryStartKey{}, queryStart{at: time.Now(), statement: statementLabel(data.SQL)})
}

// TraceQueryEnd implements pgx.QueryTracer.
func (m *queryMetrics) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(queryStartKey{}).(queryStart)
	if !ok || postgresQueryLatency == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("statement", start.statement))
	postgresQueryLatency.Record(ctx, time.Since(start.at).Seconds(), attrs)
	if data.Err != nil && postgresQueryErrors != nil {
		postgresQueryErrors.Add(ctx, 1, attrs)
	}
}

// statementLabel reduces SQL to "<verb> <table>" so labels stay low-cardinality.
func statementLabel(sql string) string {
	fields := strings.Fields(strings.ToLower(sql))
	if len(fields) == 0 {
		return "unknown"
	}
	verb := fields[0]
	var marker string
	switch verb {
	case "select", "delete":
		marker = "from"
	case "insert":
		marker = "into"
	case "update":
		if len(fields) > 1 {
			return verb + " " + trimIdent(fields[1])
		}
		return verb
	default:
		return verb
	}
	for i := 1; i < len(fields)-1; i++ {
		if fields[i] == marker {
			return verb + " " + trimIdent(fields[i+1])
		}
	}
	return verb
}

func trimIdent(s string) string {
	return strings.Trim(s, `"(),;`)
}
