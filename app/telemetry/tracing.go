// Package telemetry provides OpenTelemetry tracing and metrics instrumentation
// for the requestor. Spans are exported over OTLP/HTTP when an endpoint is
// configured; otherwise the global no-op providers are used.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "crunch-requestor"
	serviceVersion = "1.0.0"
)

// Config holds the configuration for telemetry
type Config struct {
	// Tracing configuration
	OTLPEndpoint    string
	SampleRate      float64
	CruncherVersion string

	// Metrics configuration
	PrometheusEnabled bool
}

// Provider manages OpenTelemetry tracing and metrics
type Provider struct {
	tracerProvider *tracesdk.TracerProvider
	meterProvider  *metricsdk.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	config         Config
}

// NewProvider initializes tracing when an OTLP endpoint is set and the
// Prometheus bridge when enabled. Either may be off.
func NewProvider(cfg Config) (*Provider, error) {
	provider := &Provider{config: cfg}
	if cfg.OTLPEndpoint == "" && !cfg.PrometheusEnabled {
		return provider, nil
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if cfg.OTLPEndpoint != "" {
		if err := provider.initTracing(res); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if cfg.PrometheusEnabled {
		if err := provider.initMetrics(res); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	return provider, nil
}

func validateConfig(cfg Config) error {
	if cfg.OTLPEndpoint != "" {
		if _, err := url.Parse(cfg.OTLPEndpoint); err != nil {
			return fmt.Errorf("invalid otlp endpoint: %w", err)
		}
	}

	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1")
	}

	return nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	return resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			attribute.String("cruncher.version", cfg.CruncherVersion),
		),
	)
}

// initTracing sets up the OTLP/HTTP exporter
func (p *Provider) initTracing(res *resource.Resource) error {
	secure := strings.HasPrefix(p.config.OTLPEndpoint, "https://")
	endpoint := strings.TrimPrefix(p.config.OTLPEndpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(strings.TrimRight(endpoint, "/")),
		otlptracehttp.WithURLPath("/v1/traces"),
	}
	if !secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	sampler := tracesdk.ParentBased(
		tracesdk.TraceIDRatioBased(p.config.SampleRate),
	)

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter,
			tracesdk.WithMaxExportBatchSize(512),
			tracesdk.WithBatchTimeout(5*time.Second),
		),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)

	p.tracerProvider = tp
	p.tracer = tp.Tracer(serviceName)

	return nil
}

// initMetrics bridges OpenTelemetry instruments into the default Prometheus
// registry served on /metrics.
func (p *Provider) initMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	mp := metricsdk.NewMeterProvider(
		metricsdk.WithResource(res),
		metricsdk.WithReader(exporter),
	)

	otel.SetMeterProvider(mp)

	p.meterProvider = mp
	p.meter = mp.Meter(serviceName)

	return nil
}

// Shutdown flushes pending spans and stops the providers
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error

	if p.tracerProvider != nil {
		if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown tracer provider: %w", shutdownErr)
		}
	}

	if p.meterProvider != nil {
		if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil {
			if err != nil {
				err = fmt.Errorf("%w; failed to shutdown meter provider: %w", err, shutdownErr)
			} else {
				err = fmt.Errorf("failed to shutdown meter provider: %w", shutdownErr)
			}
		}
	}

	return err
}

// Tracer returns the OpenTelemetry tracer
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(serviceName)
	}
	return p.tracer
}

// Meter returns the OpenTelemetry meter
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(serviceName)
	}
	return p.meter
}

// StartPhaseSpan starts a span for one run controller phase
func StartPhaseSpan(ctx context.Context, tracer trace.Tracer, runID, phase string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "run."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.phase", phase),
		),
	)
	return ctx, span
}

// RecordError records an error on the current span
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddSpanAttributes adds attributes to a span
func AddSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// HealthCheck verifies that the enabled providers are initialized
func (p *Provider) HealthCheck() error {
	if p.config.OTLPEndpoint != "" && (p.tracerProvider == nil || p.tracer == nil) {
		return fmt.Errorf("tracer provider not initialized")
	}

	if p.config.PrometheusEnabled && (p.meterProvider == nil || p.meter == nil) {
		return fmt.Errorf("meter provider not initialized but Prometheus is enabled")
	}

	return nil
}
