package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "hostagent"

// StartCommandSpan starts a span for dispatching one command.
func StartCommandSpan(ctx context.Context, source, command string, commandType int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "command",
		trace.WithAttributes(
			attribute.String("command.source", source),
			attribute.String("command.name", command),
			attribute.Int("command.type", commandType),
		),
	)
}

// StartTaskSpan starts a span covering one task run.
func StartTaskSpan(ctx context.Context, taskID, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.name", name),
		),
	)
}

// StartServerSpan starts a span for starting or stopping a domain server.
func StartServerSpan(ctx context.Context, op, server string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "server."+op,
		trace.WithAttributes(
			attribute.String("server.name", server),
		),
	)
}
