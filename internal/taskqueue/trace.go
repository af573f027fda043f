package taskqueue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bookgen/api/internal/taskqueue"

// startSpan opens a consumer span for one attempt of t.
func startSpan(ctx context.Context, t *Task) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task."+t.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.queue", t.Queue),
			attribute.Int("task.attempt", t.Attempt),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
