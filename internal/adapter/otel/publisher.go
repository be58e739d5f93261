package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// TracingPublisher wraps a domain.EventPublisher with OpenTelemetry tracing.
type TracingPublisher struct {
	next   domain.EventPublisher
	name   string
	tracer trace.Tracer
}

// Compile-time check: TracingPublisher implements domain.EventPublisher.
var _ domain.EventPublisher = (*TracingPublisher)(nil)

// NewTracingPublisher creates a tracing decorator around the given publisher.
// name distinguishes publishers in span names, e.g. "eventbus" or "river".
func NewTracingPublisher(name string, next domain.EventPublisher) *TracingPublisher {
	return &TracingPublisher{
		next:   next,
		name:   name,
		tracer: otel.Tracer(tracerName),
	}
}

func (p *TracingPublisher) Publish(ctx context.Context, event domain.StatusChangeEvent) error {
	ctx, span := p.tracer.Start(ctx, "EventPublisher.Publish",
		trace.WithAttributes(
			attribute.String("publisher", p.name),
			attribute.String("application.id", event.ApplicationID),
			attribute.String("application.owner_id", event.OwnerID),
			attribute.String("status.previous", string(event.PreviousStatus)),
			attribute.String("status.new", string(event.NewStatus)),
		),
	)
	defer span.End()

	err := p.next.Publish(ctx, event)
	recordError(span, err)
	return err
}
