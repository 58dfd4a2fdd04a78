// Package observability wires OpenTelemetry tracing and metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName is reported as service.name on every span and metric.
const ServiceName = "quotagate"

// Config selects the exporters.
type Config struct {
	// TraceStdout exports spans as JSON to Writer.
	TraceStdout bool

	// MetricsStdout exports metrics as JSON to Writer every MetricsInterval.
	MetricsStdout bool

	// MetricsInterval defaults to one minute.
	MetricsInterval time.Duration

	// Writer receives stdout exports. Defaults to io.Discard when nil.
	Writer io.Writer

	// Version is reported as service.version.
	Version string
}

// Providers owns the SDK providers and shuts them down together.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// Setup builds tracer and meter providers and installs them as the global providers.
// Without exporters the providers still work; their data is simply dropped.
func Setup(cfg Config) (*Providers, error) {
	if cfg.Writer == nil {
		cfg.Writer = io.Discard
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = time.Minute
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", cfg.Version),
	)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceStdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricsStdout {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
		if err != nil {
			_ = tp.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.MetricsInterval)),
		))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Providers{TracerProvider: tp, MeterProvider: mp}, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.TracerProvider.Shutdown(ctx),
		p.MeterProvider.Shutdown(ctx),
	)
}
