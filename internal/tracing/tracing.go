// Package tracing wires per-task spans through OpenTelemetry, using an
// OTLP-HTTP exporter and a parent-based ratio sampler.
package tracing

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/renderforge/dispatcher/internal/render"
)

// Init configures the global TracerProvider with an OTLP HTTP exporter
// and returns its Shutdown func for graceful-shutdown callers.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4318"
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint+"/v1/traces"))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("deployment.environment", os.Getenv("DEPLOY_ENV")),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(0.2))),
		trace.WithBatcher(exp,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// Tracer implements render.Tracer against the global TracerProvider
// Init installs.
type Tracer struct {
	name string
}

func New(name string) *Tracer { return &Tracer{name: name} }

// StartTask opens a span covering one task's full lifecycle, from the
// worker picking it up off the queue to its last chunk.
func (t *Tracer) StartTask(ctx context.Context, task *render.Task) (context.Context, func(err error)) {
	spanCtx, span := otel.Tracer(t.name).Start(ctx, "render.task",
		oteltrace.WithAttributes(
			attribute.String("render.task_id", task.ID),
			attribute.String("render.session_id", task.Request.SessionID),
			attribute.String("render.pinned_device", task.PinnedDevice),
		),
	)
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
