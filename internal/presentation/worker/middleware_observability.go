package workerpresentation

import (
	"context"

	"github.com/google/uuid"
	domoutbox "github.com/kuldeep-zigg/wendor-placement/internal/domain/outbox"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/vend"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"
	"go.opentelemetry.io/otel/trace"
)

// WithEventContext wraps a bus handler so each delivery runs with an
// event-scoped logger. Dynamic fields only: event_id (cycle or command id when
// the event carries one, generated otherwise), trace_id/span_id if valid, and
// the low-cardinality component and event name.
func WithEventContext(base observability.Logger, component string) func(domoutbox.Handler) domoutbox.Handler {
	if base == nil {
		base = observability.NopLogger()
	}
	return func(next domoutbox.Handler) domoutbox.Handler {
		return func(ctx context.Context, e domoutbox.Event) error {
			fields := make([]observability.Field, 0, 5)
			fields = append(fields,
				observability.F("component", component),
				observability.F("event", e.EventName()),
				observability.F("event_id", eventID(e)),
			)

			sc := trace.SpanContextFromContext(ctx)
			if sc.HasTraceID() {
				fields = append(fields, observability.F("trace_id", sc.TraceID().String()))
			}
			if sc.HasSpanID() {
				fields = append(fields, observability.F("span_id", sc.SpanID().String()))
			}

			logger := base.With(fields...)
			err := next(logctx.With(ctx, logger), e)
			if err != nil {
				logger.Warn("event_handler_failed", observability.Err(err))
			}
			return err
		}
	}
}

// Prefer a stable, human-pivotable ID for the event
func eventID(e domoutbox.Event) string {
	if msg, ok := e.(vend.Message); ok {
		if msg.CycleID != "" {
			return msg.CycleID
		}
		if msg.ID != "" {
			return msg.ID
		}
	}
	return uuid.NewString()
}
