package application

import (
	"context"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/observability"
	"github.com/kuldeep-zigg/wendor-placement/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const spanPrefix = "UC."

// Instruments carries the RED metrics every use case reports.
type Instruments struct {
	log      observability.Logger
	tracer   observability.Tracer
	requests observability.Counter   // usecase_requests_total{use_case,outcome}
	duration observability.Histogram // usecase_duration_seconds{use_case}
}

// NewInstruments resolves the use case instruments from tel, tagging logs with service.
func NewInstruments(tel observability.Observability, service string) Instruments {
	if tel == nil {
		tel = observability.Nop()
	}
	return Instruments{
		log:      tel.Logger().With(observability.F("service", service)),
		tracer:   tel.Tracer(),
		requests: tel.Metrics().Counter(observability.MUsecaseRequests),
		duration: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (in Instruments) Logger() observability.Logger {
	if in.log == nil {
		return observability.NopLogger()
	}
	return in.log
}

// Run tracks one use case execution. Callers set Outcome/Status on failure
// paths and call End exactly once, usually deferred.
type Run struct {
	UseCase string
	Outcome string
	Status  string
	Span    trace.Span
	Log     observability.Logger

	ctx    context.Context
	in     Instruments
	start  time.Time
	fields []observability.Field
}

// Begin starts the span and returns the context carrying it.
func (in Instruments) Begin(ctx context.Context, useCase, spanName string, attrs ...attribute.KeyValue) (context.Context, *Run) {
	tracer := in.tracer
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	attrs = append([]attribute.KeyValue{attribute.String("use_case", useCase)}, attrs...)
	ctx, span := tracer.Start(ctx, spanPrefix+spanName, attrs...)
	logger := logctx.FromOr(ctx, in.Logger()).With(observability.F("use_case", useCase))
	return ctx, &Run{
		UseCase: useCase,
		Outcome: "success",
		Status:  "OK",
		Span:    span,
		Log:     logger,
		ctx:     ctx,
		in:      in,
		start:   time.Now(),
	}
}

// Fail records an error outcome with the given status text.
func (r *Run) Fail(status string) {
	r.Outcome, r.Status = "error", status
}

// Annotate adds fields to the completion log.
func (r *Run) Annotate(fields ...observability.Field) {
	r.fields = append(r.fields, fields...)
}

func (r *Run) End(err error) {
	lat := time.Since(r.start).Seconds()
	if err != nil && r.Outcome == "success" {
		r.Fail("ERROR")
	}

	if r.Span != nil {
		if err != nil {
			r.Span.RecordError(err)
			r.Span.SetStatus(codes.Error, r.Status)
		} else {
			r.Span.SetStatus(codes.Ok, r.Status)
		}
		r.Span.End()
	}

	if r.in.requests != nil {
		r.in.requests.Add(1,
			observability.L("use_case", r.UseCase),
			observability.L("outcome", r.Outcome),
		)
	}
	if r.in.duration != nil {
		r.in.duration.Observe(lat, observability.L("use_case", r.UseCase))
	}

	fields := []observability.Field{
		observability.F("outcome", r.Outcome),
		observability.F("status", r.Status),
		observability.F("latency_seconds", lat),
	}
	if sc := trace.SpanContextFromContext(r.ctx); sc.IsValid() {
		fields = append(fields,
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	fields = append(fields, r.fields...)
	if err != nil {
		fields = append(fields, observability.Err(err))
	}
	r.Log.Info("use_case_done", fields...)
}
