package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitalpath/journey/internal/config"
)

// StdoutEndpoint selects the pretty-printing stdout exporter instead of OTLP.
const StdoutEndpoint = "stdout"

// TracerName is the instrumentation scope used by every journey span.
const TracerName = "github.com/vitalpath/journey"

// Tracer returns the journey tracer from the global provider. Before
// InitTracing runs (or when tracing is disabled) it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// InitTracing installs a global TracerProvider exporting to cfg.Endpoint and
// returns its shutdown func. When tracing is disabled it installs nothing and
// returns a no-op shutdown.
func InitTracing(ctx context.Context, log *slog.Logger, tcfg *config.TracingConfig, app *config.AppConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if tcfg == nil || !tcfg.Enabled {
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(app.Name),
			semconv.ServiceVersionKey.String(app.Version),
			attribute.String("deployment.environment", app.Environment),
		),
	)
	if err != nil {
		// A partial resource is still usable.
		log.Warn("otel resource init failed, continuing", slog.String("error", err.Error()))
	}

	exporter, err := newExporter(ctx, tcfg)
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tcfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("tracing initialized",
		slog.String("endpoint", tcfg.Endpoint),
		slog.Float64("sample_ratio", tcfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, tcfg *config.TracingConfig) (sdktrace.SpanExporter, error) {
	if tcfg.Endpoint == StdoutEndpoint {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(tcfg.Endpoint)}
	if tcfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}
