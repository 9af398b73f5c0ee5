package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for gatekeeper spans and metrics.
var (
	AttrRunID       = attribute.Key("gatekeeper.run.id")
	AttrTarget      = attribute.Key("gatekeeper.target")
	AttrMode        = attribute.Key("gatekeeper.pipeline.mode")
	AttrStrategy    = attribute.Key("gatekeeper.pipeline.strategy")
	AttrComponent   = attribute.Key("gatekeeper.component")
	AttrStatus      = attribute.Key("gatekeeper.status")
	AttrScheduleID  = attribute.Key("gatekeeper.schedule.id")
	AttrKind        = attribute.Key("gatekeeper.schedule.kind")
	AttrTaskID      = attribute.Key("gatekeeper.coordination.task")
	AttrPattern     = attribute.Key("gatekeeper.coordination.pattern")
	AttrExecutionID = attribute.Key("gatekeeper.execution.id")
	AttrRisk        = attribute.Key("gatekeeper.autofix.risk")
	AttrGuardian    = attribute.Key("gatekeeper.guardian")
)

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
