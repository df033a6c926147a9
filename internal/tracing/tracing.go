// Package tracing provides OpenTelemetry tracing instrumentation for the
// proxy. One span covers each BOX session; upstream dials and individual
// frames get no spans of their own.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration for tracing setup.
type Config struct {
	// ServiceName identifies the application in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// OTLPEndpoint is the OTLP collector endpoint.
	// Defaults to http://localhost:4318.
	OTLPEndpoint string

	// SamplingRate controls trace sampling (0.0 to 1.0). Defaults to 1.0.
	SamplingRate float64

	// Enabled controls whether tracing is active.
	Enabled bool

	// Logger for tracing operations.
	Logger *slog.Logger
}

// Provider wraps the OpenTelemetry trace provider with shutdown capability.
type Provider struct {
	provider *sdktrace.TracerProvider
	logger   *slog.Logger
}

// Tracer returns the named tracer, or nil when tracing is disabled.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p.provider == nil {
		return nil
	}
	return p.provider.Tracer(name)
}

// Shutdown gracefully shuts down the trace provider, flushing any pending
// spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.provider.Shutdown(shutdownCtx); err != nil {
		p.logger.Error("failed to shutdown trace provider", "error", err)
		return fmt.Errorf("tracing: shutdown failed: %w", err)
	}
	return nil
}

// Setup initializes OpenTelemetry tracing with the provided configuration.
// Returns a Provider that must be shut down when the application exits.
func Setup(cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Provider{logger: logger}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "solargate"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "http://localhost:4318"
	}
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1.0 {
		cfg.SamplingRate = 1.0
	}

	logger.Info("initializing tracing",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sampling_rate", cfg.SamplingRate,
	)

	exporter, err := otlptrace.New(context.Background(),
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{provider: tp, logger: logger}, nil
}
