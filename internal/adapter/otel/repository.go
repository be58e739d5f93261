package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

const tracerName = "github.com/cterryc/pyme-sub001/internal/adapter/otel"

// TracingRepository wraps a domain.ApplicationRepository with OpenTelemetry tracing.
// Each method creates a span with semantic attributes and records errors.
type TracingRepository struct {
	next   domain.ApplicationRepository
	tracer trace.Tracer
}

// Compile-time check: TracingRepository implements domain.ApplicationRepository.
var _ domain.ApplicationRepository = (*TracingRepository)(nil)

// NewTracingRepository creates a tracing decorator around the given repository.
func NewTracingRepository(next domain.ApplicationRepository) *TracingRepository {
	return &TracingRepository{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (r *TracingRepository) Create(ctx context.Context, rec domain.ApplicationRecord) error {
	ctx, span := r.tracer.Start(ctx, "ApplicationRepository.Create",
		trace.WithAttributes(
			attribute.String("application.id", rec.ID),
			attribute.String("application.owner_id", rec.OwnerID),
		),
	)
	defer span.End()

	err := r.next.Create(ctx, rec)
	recordError(span, err)
	return err
}

func (r *TracingRepository) Load(ctx context.Context, id string) (domain.ApplicationRecord, error) {
	ctx, span := r.tracer.Start(ctx, "ApplicationRepository.Load",
		trace.WithAttributes(attribute.String("application.id", id)),
	)
	defer span.End()

	rec, err := r.next.Load(ctx, id)
	if err == nil {
		span.SetAttributes(
			attribute.String("application.status", string(rec.Status)),
			attribute.Int("application.version", rec.Version),
		)
	}
	recordError(span, err)
	return rec, err
}

func (r *TracingRepository) Commit(ctx context.Context, rec domain.ApplicationRecord) error {
	ctx, span := r.tracer.Start(ctx, "ApplicationRepository.Commit",
		trace.WithAttributes(
			attribute.String("application.id", rec.ID),
			attribute.String("application.status", string(rec.Status)),
			attribute.Int("application.version", rec.Version),
		),
	)
	defer span.End()

	err := r.next.Commit(ctx, rec)
	recordError(span, err)
	return err
}

func (r *TracingRepository) List(ctx context.Context, filter domain.ListFilter) ([]domain.ApplicationRecord, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("filter.limit", filter.Limit),
		attribute.Int("filter.offset", filter.Offset),
	}
	if filter.OwnerID != "" {
		attrs = append(attrs, attribute.String("filter.owner_id", filter.OwnerID))
	}
	if filter.Status != nil {
		attrs = append(attrs, attribute.String("filter.status", string(*filter.Status)))
	}

	ctx, span := r.tracer.Start(ctx, "ApplicationRepository.List", trace.WithAttributes(attrs...))
	defer span.End()

	records, err := r.next.List(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("result.count", len(records)))
	}
	recordError(span, err)
	return records, err
}

func recordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
