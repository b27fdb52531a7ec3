// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the query pipeline, generalized from services/orchestrator/
// observability/metrics.go's StreamingMetrics (stream-by-endpoint) to
// stream-by-pipeline-stage, and from orchestrator.go's initTracer.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ragmux/ragmux/internal/query"
)

const (
	metricsNamespace = "ragmux"
	pipelineSubsystem = "pipeline"
)

// Metrics holds the Prometheus instruments for one query's journey through
// the pipeline. Labels are kept low-cardinality (provider name, source id,
// error kind), never raw query text or session ids.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	ActiveStreams        prometheus.Gauge
	StreamDurationSeconds *prometheus.HistogramVec
	TimeToFirstTokenSeconds prometheus.Histogram
	SourceFetchDuration  *prometheus.HistogramVec
	ErrorsTotal          *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	TokensTotal          *prometheus.CounterVec
}

// DefaultMetrics is the process-wide metrics singleton, set by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics registers every metric against the default Prometheus
// registry. Call once at startup; calling twice panics (duplicate
// registration).
func InitMetrics() *Metrics {
	DefaultMetrics = &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total number of queries processed, by terminal status",
			},
			[]string{"status"},
		),
		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open SSE streams",
			},
		),
		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Wall-clock duration from start to done/error",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		TimeToFirstTokenSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Latency from query acceptance to first LLM token",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
			},
		),
		SourceFetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "source_fetch_duration_seconds",
				Help:      "Per-source fetch latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "errors_total",
				Help:      "Total terminal errors by wire-level kind",
			},
			[]string{"kind"},
		),
		CacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "cache_hits_total",
				Help:      "Total VectorCache hits across all queries",
			},
		),
		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "tokens_total",
				Help:      "Total LLM tokens streamed, by provider",
			},
			[]string{"provider"},
		),
	}
	return DefaultMetrics
}

// RecordRequest increments RequestsTotal for a terminal status ("success"
// or "error").
func (m *Metrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordError increments ErrorsTotal for a wire-level error kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordSourceFetch observes a single source's fetch latency.
func (m *Metrics) RecordSourceFetch(source query.SourceId, seconds float64) {
	if m == nil {
		return
	}
	m.SourceFetchDuration.WithLabelValues(string(source)).Observe(seconds)
}

// RecordTokens increments TokensTotal by count for a provider.
func (m *Metrics) RecordTokens(provider string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.TokensTotal.WithLabelValues(provider).Add(float64(count))
}

// RecordStreamDuration observes one stream's total wall-clock duration
// under its terminal status.
func (m *Metrics) RecordStreamDuration(status string, seconds float64) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// StreamStarted/StreamEnded track the active-stream gauge around one
// query's lifetime.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// InitTracer wires an OTLP gRPC trace exporter at otlpEndpoint and installs
// it as the global tracer provider, adapted from orchestrator.go's
// initTracer — same insecure gRPC connection (appropriate for a
// collector on the internal network) and always-sample policy, renamed
// from "orchestrator-service" to serviceName.
func InitTracer(otlpEndpoint, serviceName string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(otlpEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("observability: dial otel collector: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("observability: create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("observability: shutdown otel exporter", "error", err)
		}
	}
	return cleanup, nil
}
