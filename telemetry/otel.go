package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritas-project/veritas/core"
)

// OTelProvider implements core.Telemetry with OpenTelemetry, exporting
// spans and metrics via OTLP/HTTP. It is the concrete Telemetry a
// pipeline factory (C6) can inject instead of core.NoOpTelemetry, giving
// the retriever's span around a backend fan-out (spec.md §4.3) and the
// executor's per-step metrics (spec.md §4.5) a real trace backend.
type OTelProvider struct {
	tracer         trace.Tracer
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider
	metrics        *MetricInstruments
	shutdownOnce   sync.Once
	shutdown       bool
	mu             sync.RWMutex
}

// NewOTelProvider creates an OTLP/HTTP exporter pair for the given
// service name and collector endpoint (default localhost:4318).
func NewOTelProvider(serviceName, endpoint string) (*OTelProvider, error) {
	logger := GetLogger()
	if serviceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	if endpoint == "localhost:4317" {
		endpoint = "localhost:4318"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	)

	ctx := context.Background()

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter for endpoint %s: %w", endpoint, err)
	}

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter for endpoint %s: %w", endpoint, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("opentelemetry provider started", map[string]interface{}{
		"service_name": serviceName,
		"endpoint":     endpoint,
	})

	return &OTelProvider{
		tracer:         tp.Tracer("veritas"),
		traceProvider:  tp,
		metricProvider: mp,
		metrics:        NewMetricInstruments("veritas"),
	}, nil
}

// StartSpan implements core.Telemetry.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.shutdown || o.tracer == nil {
		return ctx, &core.NoOpSpan{}
	}
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry, routing by name suffix to the
// instrument kind that best fits (duration_ms/latency_ms/time → histogram,
// count/total/success/triggered/rejected/failures/retries → counter,
// everything else → histogram).
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.shutdown || o.metrics == nil {
		return
	}

	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	ctx := context.Background()
	switch {
	case hasAnySuffix(name, "duration_ms", "latency_ms", "time"):
		_ = o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	case hasAnySuffix(name, "count", "total", "success", "triggered", "rejected", "failures", "retries"):
		_ = o.metrics.RecordCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		_ = o.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

func hasAnySuffix(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// Shutdown flushes pending spans/metrics and stops both providers. Safe
// to call more than once.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	var shutdownErr error
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.shutdown = true
		o.mu.Unlock()

		var errs []error
		if err := o.metrics.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		if o.metricProvider != nil {
			if err := o.metricProvider.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if o.traceProvider != nil {
			if err := o.traceProvider.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			shutdownErr = fmt.Errorf("telemetry shutdown errors: %v", errs)
		}
	})
	return shutdownErr
}

// otelSpan adapts an OTel trace.Span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

var _ core.Telemetry = (*OTelProvider)(nil)
