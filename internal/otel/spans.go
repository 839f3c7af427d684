package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for go-quest spans.
var (
	AttrUserID     = attribute.Key("goquest.user.id")
	AttrTaskID     = attribute.Key("goquest.task.id")
	AttrSeriesID   = attribute.Key("goquest.series.id")
	AttrRecurrence = attribute.Key("goquest.recurrence")
	AttrScope      = attribute.Key("goquest.scope")
	AttrTransition = attribute.Key("goquest.transition")
	AttrGenerated  = attribute.Key("goquest.buffer.generated")
	AttrTrigger    = attribute.Key("goquest.buffer.trigger")
	AttrRoute      = attribute.Key("http.route")
	AttrStatus     = attribute.Key("http.status_code")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
