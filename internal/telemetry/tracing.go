// Package telemetry provides OpenTelemetry tracing setup. Spans are exported
// to Google Cloud Trace when a project is configured.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

// Config selects whether and where spans are recorded.
type Config struct {
	Enabled     bool
	ServiceName string
	// ProjectID enables export to Google Cloud Trace.
	ProjectID string
	// SampleRatio is the fraction of new traces recorded. Incoming sampled
	// parents are always honored.
	SampleRatio float64
	// Exporter replaces the Cloud Trace exporter.
	Exporter sdktrace.SpanExporter
}

// Provider owns the tracer provider installed by Init. The zero value is a
// disabled provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs a global tracer provider and W3C propagators. A disabled
// config returns a Provider that leaves the global no-op tracer in place.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mdwn"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}

	exporter := cfg.Exporter
	if exporter == nil && cfg.ProjectID != "" {
		exporter, err = texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("failed to create google trace exporter: %w", err)
		}
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	} else {
		logger.Warn("tracing enabled without an exporter; spans only propagate context")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	logger.Info("tracing initialized",
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_ratio", cfg.SampleRatio),
		zap.Bool("cloud_trace", cfg.Exporter == nil && cfg.ProjectID != ""),
	)
	return &Provider{tp: tp}, nil
}

// Enabled reports whether Init installed a tracer provider.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Handler wraps h so each request starts a server span. It returns h
// unchanged when tracing is disabled.
func (p *Provider) Handler(h http.Handler, operation string) http.Handler {
	if !p.Enabled() {
		return h
	}
	return otelhttp.NewHandler(h, operation, otelhttp.WithTracerProvider(p.tp))
}

// Shutdown flushes buffered spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
