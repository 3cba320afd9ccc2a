// Package telemetry provides optional OpenTelemetry instrumentation for
// the download engine, per spec section 4.6.1: aggregate byte counts,
// protocol distribution, compression ratio, connection reuse, and
// per-state counts, exported through a Prometheus scrape endpoint. The
// engine works fully with telemetry disabled — nothing in the core
// pipeline depends on a metric ever being recorded.
//
// Grounded on the teacher's internal/telemetry package: the same
// RED/USE/business/system-health instrument grouping and lazy,
// nil-safe recording methods, retargeted from HTTP-server and
// torrent-client vocabulary to the engine's own domain.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// Transport-level RED metrics (Rate, Errors, Duration).
	transportRequestsTotal    metric.Int64Counter
	transportRequestDuration  metric.Float64Histogram
	transportRequestsInFlight metric.Int64UpDownCounter

	// USE metrics (Utilization, Saturation, Errors) for the host process.
	cpuUsage       metric.Float64Gauge
	memoryUsage    metric.Int64Gauge
	goroutineCount metric.Int64Gauge
	diskUsage      metric.Int64Gauge

	// Business metrics: the engine's own domain.
	filesTotal            metric.Int64Counter
	filesActive           metric.Int64UpDownCounter
	fileDuration          metric.Float64Histogram
	retryAttemptsTotal    metric.Int64Counter
	verifyMismatchesTotal metric.Int64Counter
	bytesRawTotal         metric.Int64Gauge
	bytesDecodedTotal     metric.Int64Gauge
	compressionRatio      metric.Float64Gauge
	connectionReuseRatio  metric.Float64Gauge
	stateCount            metric.Int64Gauge

	// System health.
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. If cfg.Enabled is false, New
// returns a zero-value Telemetry whose recording methods are all
// no-ops, so callers never need to nil-check before using it.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	tracer := otel.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        tracer,
		meter:         meter,
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordTransportRequest records one round trip through the Transport
// Client.
func (t *Telemetry) RecordTransportRequest(protocol, status string, duration time.Duration) {
	if t.transportRequestsTotal != nil {
		t.transportRequestsTotal.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("protocol", protocol),
				attribute.String("status", status),
			),
		)
	}

	if t.transportRequestDuration != nil {
		t.transportRequestDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(
				attribute.String("protocol", protocol),
				attribute.String("status", status),
			),
		)
	}
}

// IncrementInFlight increments the count of in-flight transport requests.
func (t *Telemetry) IncrementInFlight() {
	if t.transportRequestsInFlight != nil {
		t.transportRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementInFlight decrements the count of in-flight transport requests.
func (t *Telemetry) DecrementInFlight() {
	if t.transportRequestsInFlight != nil {
		t.transportRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordFileOutcome records one File Task reaching a terminal state.
func (t *Telemetry) RecordFileOutcome(status string, duration time.Duration) {
	if t.filesTotal != nil {
		t.filesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}

	if t.fileDuration != nil {
		t.fileDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}

// IncrementActiveFiles increments the count of File Tasks in flight.
func (t *Telemetry) IncrementActiveFiles() {
	if t.filesActive != nil {
		t.filesActive.Add(context.Background(), 1)
	}
}

// DecrementActiveFiles decrements the count of File Tasks in flight.
func (t *Telemetry) DecrementActiveFiles() {
	if t.filesActive != nil {
		t.filesActive.Add(context.Background(), -1)
	}
}

// RecordRetry records one transient-failure retry attempt.
func (t *Telemetry) RecordRetry(reason string) {
	if t.retryAttemptsTotal != nil {
		t.retryAttemptsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)),
		)
	}
}

// RecordVerifyMismatch records one failed verification (a digest
// mismatch or an unreadable file).
func (t *Telemetry) RecordVerifyMismatch(algorithm string) {
	if t.verifyMismatchesTotal != nil {
		t.verifyMismatchesTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("algorithm", algorithm)),
		)
	}
}

// AggregateSnapshot is the set of run-wide values RecordAggregate
// pushes into the meter; it mirrors coordinator.Statistics without this
// package depending on the coordinator package.
type AggregateSnapshot struct {
	BytesRaw             int64
	BytesDecoded         int64
	H2Requests           int64
	H1Requests           int64
	ConnectionReuseRatio float64
	CompressionRatio     float64
	StateCounts          map[string]int64
}

// RecordAggregate pushes a coordinator statistics snapshot into the
// meter as a set of gauges. Values are cumulative run totals, not
// deltas, so calling this repeatedly on the same run simply refreshes
// the reported values rather than double-counting them.
func (t *Telemetry) RecordAggregate(snap AggregateSnapshot) {
	ctx := context.Background()

	if t.bytesRawTotal != nil {
		t.bytesRawTotal.Record(ctx, snap.BytesRaw)
	}

	if t.bytesDecodedTotal != nil {
		t.bytesDecodedTotal.Record(ctx, snap.BytesDecoded)
	}

	if t.compressionRatio != nil {
		t.compressionRatio.Record(ctx, snap.CompressionRatio)
	}

	if t.connectionReuseRatio != nil {
		t.connectionReuseRatio.Record(ctx, snap.ConnectionReuseRatio)
	}

	if t.transportRequestsTotal != nil {
		t.transportRequestsTotal.Add(ctx, snap.H2Requests, metric.WithAttributes(attribute.String("protocol", "h2")))
		t.transportRequestsTotal.Add(ctx, snap.H1Requests, metric.WithAttributes(attribute.String("protocol", "h1")))
	}

	if t.stateCount != nil {
		for status, count := range snap.StateCounts {
			t.stateCount.Record(ctx, count, metric.WithAttributes(attribute.String("status", status)))
		}
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			),
		)
	}
}

// Handler returns the HTTP handler for the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeTransportMetrics(); err != nil {
		return err
	}

	if err := t.initializeUSEMetrics(); err != nil {
		return err
	}

	if err := t.initializeBusinessMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeTransportMetrics() error {
	var err error

	t.transportRequestsTotal, err = t.meter.Int64Counter(
		"transport_requests_total",
		metric.WithDescription("Total number of transport client requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_requests_total counter: %w", err)
	}

	t.transportRequestDuration, err = t.meter.Float64Histogram(
		"transport_request_duration_seconds",
		metric.WithDescription("Transport client request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_request_duration histogram: %w", err)
	}

	t.transportRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"transport_requests_in_flight",
		metric.WithDescription("Number of transport client requests currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeUSEMetrics() error {
	var err error

	t.cpuUsage, err = t.meter.Float64Gauge(
		"cpu_usage_percent",
		metric.WithDescription("CPU usage percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cpu_usage gauge: %w", err)
	}

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	t.diskUsage, err = t.meter.Int64Gauge(
		"disk_usage_bytes",
		metric.WithDescription("Disk usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create disk_usage gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeBusinessMetrics() error {
	var err error

	t.filesTotal, err = t.meter.Int64Counter(
		"files_total",
		metric.WithDescription("Total number of File Tasks reaching a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create files_total counter: %w", err)
	}

	t.filesActive, err = t.meter.Int64UpDownCounter(
		"files_active",
		metric.WithDescription("Number of File Tasks currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create files_active counter: %w", err)
	}

	t.fileDuration, err = t.meter.Float64Histogram(
		"file_duration_seconds",
		metric.WithDescription("File Task duration in seconds, from dispatch to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create file_duration histogram: %w", err)
	}

	t.retryAttemptsTotal, err = t.meter.Int64Counter(
		"retry_attempts_total",
		metric.WithDescription("Total number of transient-failure retry attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry_attempts_total counter: %w", err)
	}

	t.verifyMismatchesTotal, err = t.meter.Int64Counter(
		"verify_mismatches_total",
		metric.WithDescription("Total number of failed digest verifications (mismatch or unreadable file)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create verify_mismatches_total counter: %w", err)
	}

	t.bytesRawTotal, err = t.meter.Int64Gauge(
		"bytes_raw_total",
		metric.WithDescription("Cumulative wire bytes received, before decompression"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_raw_total gauge: %w", err)
	}

	t.bytesDecodedTotal, err = t.meter.Int64Gauge(
		"bytes_decoded_total",
		metric.WithDescription("Cumulative decoded bytes written to disk"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_decoded_total gauge: %w", err)
	}

	t.compressionRatio, err = t.meter.Float64Gauge(
		"compression_ratio",
		metric.WithDescription("Ratio of raw wire bytes to decoded bytes across the run"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create compression_ratio gauge: %w", err)
	}

	t.connectionReuseRatio, err = t.meter.Float64Gauge(
		"connection_reuse_ratio",
		metric.WithDescription("Fraction of transport connections reused rather than newly dialed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create connection_reuse_ratio gauge: %w", err)
	}

	t.stateCount, err = t.meter.Int64Gauge(
		"records_by_state",
		metric.WithDescription("Number of records currently in each lifecycle state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create records_by_state gauge: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(startTime)
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func (t *Telemetry) updateSystemMetrics(startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	if t.memoryUsage != nil {
		t.memoryUsage.Record(context.Background(), int64(m.Alloc))
	}

	if t.goroutineCount != nil {
		t.goroutineCount.Record(context.Background(), int64(runtime.NumGoroutine()))
	}

	if t.systemUptime != nil {
		uptime := time.Since(startTime).Seconds()
		t.systemUptime.Record(context.Background(), uptime)
	}
}
