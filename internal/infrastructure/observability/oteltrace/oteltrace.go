// Package oteltrace backs the observability.Tracer port with the global OpenTelemetry provider.
package oteltrace

import (
	"context"

	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultName = "vendkiosk"

type tracer struct{ t trace.Tracer }

func New(name string) observability.Tracer {
	if name == "" {
		name = defaultName
	}
	return &tracer{t: otel.Tracer(name)}
}

func (t *tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.t.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Exporting spans needs an sdktrace.TracerProvider registered via otel.SetTracerProvider;
// without one the global no-op provider is used and spans only propagate context.
