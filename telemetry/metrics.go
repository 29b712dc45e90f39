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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/offline-cache"
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

	// EnablePrometheus enables the Prometheus /_offline/metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	cacheWriteSize           metric.Float64Histogram
	cacheEvictionsTotal      metric.Int64Counter
	cacheEvictionBytesTotal  metric.Int64Counter
	cachePurgedEntriesTotal  metric.Int64Counter
	cacheRefreshOutcomeTotal metric.Int64Counter

	queueEnqueuedTotal metric.Int64Counter
	queueReplayTotal   metric.Int64Counter
	queueDrainDuration metric.Float64Histogram

	connectivityTransitionsTotal metric.Int64Counter
	statusBroadcastsTotal        metric.Int64Counter
	statusDroppedTotal           metric.Int64Counter
	statusSubscribers            metric.Int64UpDownCounter

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
		cfg.ServiceName = "offline-cache"
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
			otlpmetricgrpc.WithInsecure(), // collectors are expected on localhost
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

	// If no exporters configured, use a no-op periodic reader to still collect metrics
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	if m.requestsTotal, err = meter.Int64Counter(
		"offline_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"offline_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"offline_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"offline_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"offline_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of origin fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"offline_cache_upstream_fetch_total",
		metric.WithDescription("Total number of origin fetch requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"offline_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the origin"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cacheWriteSize, err = meter.Float64Histogram(
		"offline_cache_cache_write_size_bytes",
		metric.WithDescription("Size of entries written to the cache store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 65536, 262144, 1048576, 4194304, 16777216, 33554432),
	); err != nil {
		return nil, err
	}

	if m.cacheEvictionsTotal, err = meter.Int64Counter(
		"offline_cache_cache_evictions_total",
		metric.WithDescription("Total cache entries evicted to stay under the capacity bound"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cacheEvictionBytesTotal, err = meter.Int64Counter(
		"offline_cache_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by cache eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.cachePurgedEntriesTotal, err = meter.Int64Counter(
		"offline_cache_cache_purged_entries_total",
		metric.WithDescription("Total entries removed by generation purges"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cacheRefreshOutcomeTotal, err = meter.Int64Counter(
		"offline_cache_cache_refresh_total",
		metric.WithDescription("Total background stale-while-revalidate refreshes by outcome"),
		metric.WithUnit("{refresh}"),
	); err != nil {
		return nil, err
	}

	if m.queueEnqueuedTotal, err = meter.Int64Counter(
		"offline_cache_queue_enqueued_total",
		metric.WithDescription("Total writes queued for later replay"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.queueReplayTotal, err = meter.Int64Counter(
		"offline_cache_queue_replay_total",
		metric.WithDescription("Total queued record replays by outcome"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.queueDrainDuration, err = meter.Float64Histogram(
		"offline_cache_queue_drain_duration_seconds",
		metric.WithDescription("Duration of queue drains"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.connectivityTransitionsTotal, err = meter.Int64Counter(
		"offline_cache_connectivity_transitions_total",
		metric.WithDescription("Total connectivity state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.statusBroadcastsTotal, err = meter.Int64Counter(
		"offline_cache_status_broadcasts_total",
		metric.WithDescription("Total connectivity status events published"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.statusDroppedTotal, err = meter.Int64Counter(
		"offline_cache_status_dropped_total",
		metric.WithDescription("Total status events dropped for slow subscribers"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.statusSubscribers, err = meter.Int64UpDownCounter(
		"offline_cache_status_subscribers",
		metric.WithDescription("Current number of status event subscribers"),
		metric.WithUnit("{subscriber}"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Class and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	class := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Class != "" {
			class = tags.Class
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {class, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("class", class),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("class", class),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordUpstreamFetch records an origin fetch request.
func RecordUpstreamFetch(ctx context.Context, class string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordCacheWrite records an entry written to the cache store.
func RecordCacheWrite(ctx context.Context, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("class", ClassFromContext(ctx)))
	globalMetrics.cacheWriteSize.Record(ctx, float64(size), attrs)
}

// RecordCacheEviction records an entry evicted for capacity.
// tier is "prior_generation" or "current_generation".
func RecordCacheEviction(ctx context.Context, tier string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier))
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.cacheEvictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordCachePurge records entries removed by a generation purge.
func RecordCachePurge(ctx context.Context, purged int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cachePurgedEntriesTotal.Add(ctx, int64(purged))
}

// RecordCacheRefresh records the outcome of a background refresh.
// outcome is "stored", "skipped" or "failed".
func RecordCacheRefresh(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheRefreshOutcomeTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordQueueEnqueue records a write queued for replay.
// reason is "offline", "network_failure" or "pending".
func RecordQueueEnqueue(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueEnqueuedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQueueReplay records one replay attempt of a queued record.
// outcome is "synced" or "failed".
func RecordQueueReplay(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueReplayTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordQueueDrain records the duration of one drain and whether it completed.
func RecordQueueDrain(ctx context.Context, duration time.Duration, completed bool) {
	if globalMetrics == nil {
		return
	}
	outcome := "completed"
	if !completed {
		outcome = "stopped"
	}
	globalMetrics.queueDrainDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordConnectivityTransition records a change of connectivity state.
// source is "platform" or "inferred".
func RecordConnectivityTransition(ctx context.Context, online bool, source string) {
	if globalMetrics == nil {
		return
	}
	to := "offline"
	if online {
		to = "online"
	}
	attrs := metric.WithAttributes(
		attribute.String("to", to),
		attribute.String("source", source),
	)
	globalMetrics.connectivityTransitionsTotal.Add(ctx, 1, attrs)
}

// RecordStatusBroadcast records a published status event and how many
// subscribers missed it because their buffer was full.
func RecordStatusBroadcast(ctx context.Context, dropped int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.statusBroadcastsTotal.Add(ctx, 1)
	if dropped > 0 {
		globalMetrics.statusDroppedTotal.Add(ctx, int64(dropped))
	}
}

// RecordStatusSubscribers adjusts the current subscriber count by delta.
func RecordStatusSubscribers(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.statusSubscribers.Add(ctx, delta)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
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
