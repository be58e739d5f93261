package app

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

const meterName = "github.com/cterryc/pyme-sub001/internal/app"

// defaultCommitRetries bounds how often a transition is revalidated after
// losing an optimistic commit race.
const defaultCommitRetries = 3

// TransitionRequest asks the engine to move one application to Target.
type TransitionRequest struct {
	ApplicationID string
	Target        domain.Status
	Fields        domain.TransitionFields
	Actor         string

	// Guard, when set, runs against the freshly loaded record while the
	// record lock is held. A non-nil error aborts the request unchanged.
	Guard func(current domain.ApplicationRecord) error
}

// Engine validates and commits status transitions, then announces them.
type Engine struct {
	repo      domain.ApplicationRepository
	validator domain.TransitionValidator
	publisher domain.EventPublisher
	logger    *zap.Logger

	locks   *keyedMutex
	now     func() time.Time
	retries int

	transitions metric.Int64Counter
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithCommitRetries sets how many times a stale commit is retried.
func WithCommitRetries(n int) EngineOption {
	return func(e *Engine) { e.retries = n }
}

// NewEngine creates a transition engine with the given adapters.
func NewEngine(repo domain.ApplicationRepository, validator domain.TransitionValidator, publisher domain.EventPublisher, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:      repo,
		validator: validator,
		publisher: publisher,
		logger:    logger.Named("engine"),
		locks:     newKeyedMutex(),
		now:       time.Now,
		retries:   defaultCommitRetries,
	}
	for _, opt := range opts {
		opt(e)
	}

	counter, err := otel.Meter(meterName).Int64Counter("pyme.transitions",
		metric.WithDescription("Status transition requests by result"),
	)
	if err != nil {
		e.logger.Warn("creating transitions counter", zap.Error(err))
	}
	e.transitions = counter
	return e
}

// RequestTransition validates req against the stored record and, on success,
// commits the new status with its history entry and publishes a
// StatusChangeEvent. On any failure the returned record is the one loaded
// from storage, untouched. Publication failures are logged, never returned.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (domain.ApplicationRecord, error) {
	unlock := e.locks.Lock(req.ApplicationID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := e.repo.Load(ctx, req.ApplicationID)
		if err != nil {
			e.record(ctx, "error")
			if errors.Is(err, domain.ErrApplicationNotFound) {
				return domain.ApplicationRecord{}, err
			}
			return domain.ApplicationRecord{}, &domain.PersistenceError{Op: "load", Err: err}
		}

		if req.Guard != nil {
			if err := req.Guard(current); err != nil {
				e.record(ctx, "forbidden")
				return current, err
			}
		}

		if err := e.validator.Validate(ctx, current.Status, req.Target, req.Fields); err != nil {
			e.record(ctx, "rejected")
			return current, err
		}

		next := current.Advance(req.Target, req.Fields, req.Actor, e.now())

		err = e.repo.Commit(ctx, next)
		if errors.Is(err, domain.ErrStaleRecord) && attempt < e.retries {
			e.logger.Debug("stale commit, revalidating",
				zap.String("application_id", req.ApplicationID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			e.record(ctx, "error")
			e.logger.Error("commit failed",
				zap.String("application_id", req.ApplicationID),
				zap.String("from", string(current.Status)),
				zap.String("to", string(req.Target)),
				zap.Error(err),
			)
			return current, &domain.PersistenceError{Op: "commit", Err: err}
		}

		e.record(ctx, "committed")
		e.logger.Info("transition committed",
			zap.String("application_id", next.ID),
			zap.String("owner_id", next.OwnerID),
			zap.String("from", string(current.Status)),
			zap.String("to", string(next.Status)),
			zap.String("actor", req.Actor),
		)
		e.publish(ctx, domain.StatusChangeEvent{
			ApplicationID:  next.ID,
			OwnerID:        next.OwnerID,
			PreviousStatus: current.Status,
			NewStatus:      next.Status,
			Timestamp:      next.UpdatedAt,
		})
		return next, nil
	}
}

func (e *Engine) publish(ctx context.Context, event domain.StatusChangeEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Warn("publishing status change",
			zap.String("application_id", event.ApplicationID),
			zap.String("owner_id", event.OwnerID),
			zap.Error(err),
		)
	}
}

func (e *Engine) record(ctx context.Context, result string) {
	if e.transitions == nil {
		return
	}
	e.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
