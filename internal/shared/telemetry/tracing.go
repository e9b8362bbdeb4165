package telemetry

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "jobmatch-backend"

var (
	tracingOnce     sync.Once
	tracingShutdown = func(context.Context) error { return nil }
)

// InitTracing installs a tracer provider. exporter "stdout" prints spans;
// anything else keeps spans in-process so trace ids still propagate into events.
func InitTracing(ctx context.Context, serviceName, exporter string) func(context.Context) error {
	tracingOnce.Do(func() {
		if strings.TrimSpace(serviceName) == "" {
			serviceName = "jobmatch"
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", os.Getenv("ENV")),
		))
		if err != nil {
			Warn("otel.resource.failed", map[string]any{"error": err})
		}

		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if strings.EqualFold(strings.TrimSpace(exporter), "stdout") {
			exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				Warn("otel.exporter.failed", map[string]any{"error": err})
			} else {
				opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)))
			}
		}
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		tracingShutdown = tp.Shutdown
		Info("otel.tracing.initialized", map[string]any{"service": serviceName, "exporter": exporter})
	})
	return tracingShutdown
}

// Tracer returns the process tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// TraceID returns the active span's trace id, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
