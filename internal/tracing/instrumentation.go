package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "phpeek-watchdog"
)

// StartControlSpan creates a span for a control operation against a server
func StartControlSpan(ctx context.Context, operation, serverID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	attrs = append(attrs,
		attribute.String("control.operation", operation),
		attribute.String("server.id", serverID),
	)
	return tracer.Start(ctx, "control."+operation, trace.WithAttributes(attrs...))
}

// StartServerSpan creates a span for a lifecycle step a supervisor performs
// on its child. Under a control request it nests inside the control span.
func StartServerSpan(ctx context.Context, step, serverID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	attrs = append(attrs, attribute.String("server.id", serverID))
	return tracer.Start(ctx, "server."+step, trace.WithAttributes(attrs...))
}

// StartWatchdogSpan creates a span for watchdog-wide operations such as shutdown or reload
func StartWatchdogSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(instrumentationName)
	return tracer.Start(ctx, "watchdog."+operation, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error, description string) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err, trace.WithAttributes(
		attribute.String("error.description", description),
	))
	span.SetStatus(codes.Error, description)
}

// RecordSuccess marks the span as successful
func RecordSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
