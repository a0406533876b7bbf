// Package otel installs the global trace and metric providers. When
// telemetry is disabled the otel no-op globals stay in place.
package otel

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/growth-orchestrator/internal/config"
)

const exportInterval = 15 * time.Second

// Init wires OTLP gRPC exporters for traces and metrics and returns the
// shutdown func that flushes them.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	traceExp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	metricExp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attributes(cfg.ServiceName)...),
	)

	tp := trace.NewTracerProvider(trace.WithBatcher(traceExp), trace.WithResource(res))
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(exportInterval))),
		metric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) error {
		_ = mp.Shutdown(ctx)
		return tp.Shutdown(ctx)
	}, nil
}

func attributes(serviceName string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", serviceName)}
	if env := os.Getenv("METRIC_SERVICE_ENV"); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	if version := firstNonEmpty(os.Getenv("APP_VERSION"), os.Getenv("GIT_SHA")); version != "" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	if instance := os.Getenv("HOSTNAME"); instance != "" {
		attrs = append(attrs, attribute.String("service.instance.id", instance))
	}
	return attrs
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Module installs the providers before any component resolves a tracer or
// meter and flushes them when the app stops.
func Module() fx.Option {
	return fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) error {
		shutdown, err := Init(context.Background(), cfg.Telemetry)
		if err != nil {
			return err
		}
		if cfg.Telemetry.Enabled {
			logger.Info("telemetry enabled", zap.String("endpoint", cfg.Telemetry.Endpoint))
		}
		lc.Append(fx.Hook{OnStop: shutdown})
		return nil
	})
}
