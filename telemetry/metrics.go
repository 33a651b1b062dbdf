// Package telemetry provides OpenTelemetry metrics for the object access
// and cache layer. Instruments are no-ops until InitMetrics is called.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/dig-bio/opendata"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus exporter and handler.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	backendRequestsTotal   metric.Int64Counter
	backendRequestDuration metric.Float64Histogram

	cacheLookupsTotal       metric.Int64Counter
	cacheEvictionsTotal     metric.Int64Counter
	cacheEvictionBytesTotal metric.Int64Counter
	streamRetriesTotal      metric.Int64Counter
	downloadsTotal          metric.Int64Counter
	downloadBytesTotal      metric.Int64Counter
	downloadDurationSeconds metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "opendata"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporters configured, still collect via a no-op reader.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	backendRequestsTotal, err := meter.Int64Counter(
		"opendata_backend_requests_total",
		metric.WithDescription("Total number of backend object operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"opendata_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend object operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"opendata_cache_lookups_total",
		metric.WithDescription("Total cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"opendata_cache_evictions_total",
		metric.WithDescription("Total cache entries evicted"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	cacheEvictionBytesTotal, err := meter.Int64Counter(
		"opendata_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by cache eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	streamRetriesTotal, err := meter.Int64Counter(
		"opendata_stream_retries_total",
		metric.WithDescription("Total mid-read stream retries"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	downloadsTotal, err := meter.Int64Counter(
		"opendata_downloads_total",
		metric.WithDescription("Total download attempts by outcome"),
		metric.WithUnit("{download}"),
	)
	if err != nil {
		return err
	}

	downloadBytesTotal, err := meter.Int64Counter(
		"opendata_download_bytes_total",
		metric.WithDescription("Total bytes downloaded"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	downloadDurationSeconds, err := meter.Float64Histogram(
		"opendata_download_duration_seconds",
		metric.WithDescription("Duration of download attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		backendRequestsTotal:    backendRequestsTotal,
		backendRequestDuration:  backendRequestDuration,
		cacheLookupsTotal:       cacheLookupsTotal,
		cacheEvictionsTotal:     cacheEvictionsTotal,
		cacheEvictionBytesTotal: cacheEvictionBytesTotal,
		streamRetriesTotal:      streamRetriesTotal,
		downloadsTotal:          downloadsTotal,
		downloadBytesTotal:      downloadBytesTotal,
		downloadDurationSeconds: downloadDurationSeconds,
		meterProvider:           mp,
		promHandler:             promHandler,
	}

	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the /metrics handler, or nil if the Prometheus
// exporter is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordBackendOp records one backend operation.
func RecordBackendOp(ctx context.Context, backendName, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backendName),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCacheLookup records a cache lookup outcome (hit, miss, stale,
// corrupt).
func RecordCacheLookup(outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCacheEviction records one eviction pass.
func RecordCacheEviction(entries int, bytesFreed int64) {
	if globalMetrics == nil {
		return
	}
	ctx := context.Background()
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(entries))
	globalMetrics.cacheEvictionBytesTotal.Add(ctx, bytesFreed)
}

// RecordStreamRetry records one mid-read stream retry, labelled by the
// class of error that triggered it.
func RecordStreamRetry(cause string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.streamRetriesTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordDownload records one download attempt.
func RecordDownload(bytes int64, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.downloadsTotal.Add(ctx, 1, attrs)
	globalMetrics.downloadDurationSeconds.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.downloadBytesTotal.Add(ctx, bytes, attrs)
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
