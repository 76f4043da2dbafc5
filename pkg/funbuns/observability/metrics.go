package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ConversionStats is what a conversion reports to metrics.
type ConversionStats struct {
	BlocksWritten  int
	RunsConsumed   int
	RecordsWritten int
	Redundant      int
}

// MetricsRecorder records storage metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordConversion records one conversion attempt.
	RecordConversion(ctx context.Context, stats ConversionStats, duration time.Duration, err error)

	// RecordScan records one integrity scan.
	RecordScan(ctx context.Context, blocks, violations int, duration time.Duration)

	// RecordResume records a resume request and its outcome
	// ("released", "unintegrated", "violation", "error").
	RecordResume(ctx context.Context, outcome string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	conversions       metric.Int64Counter
	conversionLatency metric.Float64Histogram
	blocksWritten     metric.Int64Counter
	runsConsumed      metric.Int64Counter
	recordsWritten    metric.Int64Counter
	redundantRecords  metric.Int64Counter
	scans             metric.Int64Counter
	scanLatency       metric.Float64Histogram
	violations        metric.Int64Counter
	resumes           metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("funbuns")
	m := &otelMetrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.conversions, "funbuns.conversion.runs", "Number of conversion attempts"},
		{&m.blocksWritten, "funbuns.conversion.blocks_written", "Block files written by conversion"},
		{&m.runsConsumed, "funbuns.conversion.runs_consumed", "Run files folded into blocks"},
		{&m.recordsWritten, "funbuns.conversion.records_written", "Records written to blocks"},
		{&m.redundantRecords, "funbuns.conversion.redundant_records", "Records already present in sealed blocks"},
		{&m.scans, "funbuns.scan.runs", "Number of integrity scans"},
		{&m.violations, "funbuns.scan.violations", "Integrity violations found"},
		{&m.resumes, "funbuns.resume.requests", "Resume requests by outcome"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.conversionLatency, err = meter.Float64Histogram("funbuns.conversion.latency_ms",
		metric.WithDescription("Conversion latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.scanLatency, err = meter.Float64Histogram("funbuns.scan.latency_ms",
		metric.WithDescription("Integrity scan latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, it logs to logger and returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder(logger *slog.Logger) MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		Default(logger).Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordConversion records a conversion attempt.
func (m *otelMetrics) RecordConversion(ctx context.Context, stats ConversionStats, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	m.conversions.Add(ctx, 1, attrs)
	m.conversionLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		return
	}
	m.blocksWritten.Add(ctx, int64(stats.BlocksWritten))
	m.runsConsumed.Add(ctx, int64(stats.RunsConsumed))
	m.recordsWritten.Add(ctx, int64(stats.RecordsWritten))
	m.redundantRecords.Add(ctx, int64(stats.Redundant))
}

// RecordScan records an integrity scan.
func (m *otelMetrics) RecordScan(ctx context.Context, blocks, violations int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("clean", violations == 0))
	m.scans.Add(ctx, 1, attrs)
	m.scanLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	m.violations.Add(ctx, int64(violations))
}

// RecordResume records a resume request.
func (m *otelMetrics) RecordResume(ctx context.Context, outcome string) {
	m.resumes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
