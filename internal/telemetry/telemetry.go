// Package telemetry configures OpenTelemetry tracing for the HTTP server.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Config selects the OTLP collector. An empty Endpoint disables tracing.
type Config struct {
	Endpoint string
	Insecure bool
}

// Setup installs a global tracer provider exporting to cfg.Endpoint and
// returns its shutdown func. It never fails: on error tracing stays off.
func Setup(ctx context.Context, serviceName string, cfg Config, logger *zap.SugaredLogger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		logger.Debug("tracing disabled, no OTLP endpoint")
		return noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Warnw("otel exporter error", "err", err)
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		logger.Warnw("otel resource error", "err", err)
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	logger.Infow("tracing enabled", "endpoint", cfg.Endpoint)
	return provider.Shutdown
}
