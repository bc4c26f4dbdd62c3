// Package observability wires OpenTelemetry tracing and metrics into the
// command and query pipelines and the storage ports.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// MeterName is the instrumentation scope of the eventcore metrics.
const MeterName = "eventcore"

// Config configures the observability stack.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// TraceExporters enable tracing when any is set (stdout, SQLite, ...).
	TraceExporters  []sdktrace.SpanExporter
	TraceSampleRate float64

	// MetricReaders enable metrics when any is set.
	MetricReaders []sdkmetric.Reader

	// SetGlobal installs the providers as the otel globals.
	SetGlobal bool

	Logger *slog.Logger
}

// Telemetry holds the configured providers. With nothing configured the
// providers are no-ops and Metrics is nil.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdown []func(context.Context) error
	flush    []func(context.Context) error
}

// Init sets up tracing and metrics. A failing exporter degrades to a no-op
// provider with a warning instead of failing startup.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: noop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
		Logger:         cfg.Logger,
	}

	if len(cfg.TraceExporters) > 0 {
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		}
		for _, exp := range cfg.TraceExporters {
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
		tel.flush = append(tel.flush, tp.ForceFlush)
		cfg.Logger.Info("tracing initialized", "service", cfg.ServiceName, "sample_rate", cfg.TraceSampleRate)
	} else {
		cfg.Logger.Info("tracing disabled")
	}

	if len(cfg.MetricReaders) > 0 {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range cfg.MetricReaders {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		metrics, err := NewMetrics(mp.Meter(MeterName))
		if err != nil {
			cfg.Logger.Warn("metrics setup failed, continuing without metrics", "error", err)
			_ = mp.Shutdown(ctx)
		} else {
			tel.MeterProvider = mp
			tel.Metrics = metrics
			tel.shutdown = append(tel.shutdown, mp.Shutdown)
			tel.flush = append(tel.flush, mp.ForceFlush)
			cfg.Logger.Info("metrics initialized", "service", cfg.ServiceName)
		}
	}

	if cfg.SetGlobal {
		otel.SetTracerProvider(tel.TracerProvider)
		otel.SetMeterProvider(tel.MeterProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// ForceFlush exports everything recorded so far.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, fn := range t.flush {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown, t.flush = nil, nil
	return errors.Join(errs...)
}

// Tracer returns a tracer for name.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}
