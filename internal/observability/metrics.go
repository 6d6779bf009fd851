// Package observability exposes service metrics through OpenTelemetry with a
// Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the executor service. A collector
// built with metrics disabled is a safe no-op.
type MetricsCollector struct {
	meter metric.Meter

	executions        metric.Int64Counter
	execDuration      metric.Float64Histogram
	sessionsActive    metric.Int64UpDownCounter
	stallsDetected    metric.Int64Counter
	timeoutsTriggered metric.Int64Counter
	verifyFailures    metric.Int64Counter
	outputBytes       metric.Int64Counter
}

// NewMetricsCollector creates the collector and registers the global meter
// provider. The Prometheus handler is served by the main HTTP server rather
// than a side port.
func NewMetricsCollector(enabled bool) (*MetricsCollector, error) {
	if !enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("cc-executor")

	executions, err := meter.Int64Counter(
		"executor.executions.total",
		metric.WithDescription("Total number of executions started"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions counter: %w", err)
	}

	execDuration, err := meter.Float64Histogram(
		"executor.execution.duration",
		metric.WithDescription("Execution wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution duration histogram: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"executor.sessions.active",
		metric.WithDescription("Number of active sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	stallsDetected, err := meter.Int64Counter(
		"executor.stalls.total",
		metric.WithDescription("Total number of stall notices raised"),
		metric.WithUnit("{stall}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stalls counter: %w", err)
	}

	timeoutsTriggered, err := meter.Int64Counter(
		"executor.timeouts.total",
		metric.WithDescription("Total number of executions cancelled on timeout"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeouts counter: %w", err)
	}

	verifyFailures, err := meter.Int64Counter(
		"executor.verify.failures.total",
		metric.WithDescription("Total number of executions that failed nonce verification"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify_failures counter: %w", err)
	}

	outputBytes, err := meter.Int64Counter(
		"executor.output.bytes",
		metric.WithDescription("Total worker output bytes streamed"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output_bytes counter: %w", err)
	}

	return &MetricsCollector{
		meter:             meter,
		executions:        executions,
		execDuration:      execDuration,
		sessionsActive:    sessionsActive,
		stallsDetected:    stallsDetected,
		timeoutsTriggered: timeoutsTriggered,
		verifyFailures:    verifyFailures,
		outputBytes:       outputBytes,
	}, nil
}

// Handler returns the Prometheus scrape handler.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordExecution records one finished execution with its terminal outcome
// (completed, cancelled, failed, expired) and classification labels.
func (m *MetricsCollector) RecordExecution(ctx context.Context, category, complexity, outcome string, duration time.Duration) {
	if m.executions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("category", category),
		attribute.String("complexity", complexity),
		attribute.String("outcome", outcome),
	}

	m.executions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.execDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// IncrementActiveSessions increments the active sessions gauge.
func (m *MetricsCollector) IncrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions gauge.
func (m *MetricsCollector) DecrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}

// RecordStall records a stall notice for one session.
func (m *MetricsCollector) RecordStall(ctx context.Context, category string) {
	if m.stallsDetected == nil {
		return
	}
	m.stallsDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordTimeout records a timeout-triggered cancellation.
func (m *MetricsCollector) RecordTimeout(ctx context.Context, category string) {
	if m.timeoutsTriggered == nil {
		return
	}
	m.timeoutsTriggered.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// RecordVerifyFailure records a completed execution whose transcript did not
// carry the expected nonce.
func (m *MetricsCollector) RecordVerifyFailure(ctx context.Context) {
	if m.verifyFailures == nil {
		return
	}
	m.verifyFailures.Add(ctx, 1)
}

// RecordOutputBytes counts streamed worker output.
func (m *MetricsCollector) RecordOutputBytes(ctx context.Context, stream string, n int) {
	if m.outputBytes == nil {
		return
	}
	m.outputBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stream", stream)))
}
