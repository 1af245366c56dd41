// Package telemetry wires the Manager's OpenTelemetry tracer provider,
// grounded on libs/telemetry/tracer.go's InitTracer shape. The Manager has
// no OTLP collector endpoint of its own to export to, so the provider here
// runs with an in-process sampler and no span processor attached: it exists
// so internal/router and internal/control can carry real otel spans through
// their hot paths rather than stub out the ambient tracing concern.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

// Config holds the identifying attributes stamped onto every span's resource.
type Config struct {
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64 // 0.0-1.0; defaults to 1.0 (sample everything)
}

// TracerProvider wraps the SDK provider and installs it globally so
// otel.Tracer(name) anywhere in the process picks it up.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	logger   *zap.Logger
}

// InitTracer builds and installs the global TracerProvider.
func InitTracer(cfg Config, logger *zap.Logger) (*TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}

	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	logger.Info("telemetry initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
		zap.Float64("sampling_rate", cfg.SamplingRate),
	)

	return &TracerProvider{provider: tp, logger: logger}, nil
}

// Shutdown flushes and detaches the provider.
func (t *TracerProvider) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}
	t.logger.Info("telemetry shutdown complete")
	return nil
}
