package app

import (
	"context"
	"fmt"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// Actor is the authenticated caller on whose behalf the service acts.
type Actor struct {
	ID    string
	Admin bool
}

// ApplicationService orchestrates application lifecycle operations and
// decides which actors may perform them.
type ApplicationService struct {
	repo   domain.ApplicationRepository
	engine *Engine
}

// NewApplicationService creates a service with the given repository and engine.
func NewApplicationService(repo domain.ApplicationRepository, engine *Engine) *ApplicationService {
	return &ApplicationService{
		repo:   repo,
		engine: engine,
	}
}

// Create persists a new draft application owned by the actor.
func (s *ApplicationService) Create(ctx context.Context, actor Actor) (domain.ApplicationRecord, error) {
	if actor.ID == "" {
		return domain.ApplicationRecord{}, domain.ErrInvalidIdentity
	}

	id, err := generateID()
	if err != nil {
		return domain.ApplicationRecord{}, fmt.Errorf("generating application id: %w", err)
	}

	record := domain.NewApplicationRecord(id, actor.ID, actor.ID)

	if err := s.repo.Create(ctx, record); err != nil {
		return domain.ApplicationRecord{}, fmt.Errorf("creating application: %w", err)
	}
	return record, nil
}

// GetByID returns an application the actor may see.
func (s *ApplicationService) GetByID(ctx context.Context, actor Actor, id string) (domain.ApplicationRecord, error) {
	record, err := s.repo.Load(ctx, id)
	if err != nil {
		return domain.ApplicationRecord{}, err
	}
	if !actor.Admin && record.OwnerID != actor.ID {
		return domain.ApplicationRecord{}, domain.ErrForbidden
	}
	return record, nil
}

// History returns the status history of an application the actor may see.
func (s *ApplicationService) History(ctx context.Context, actor Actor, id string) ([]domain.StatusHistoryEntry, error) {
	record, err := s.GetByID(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return record.History, nil
}

// List returns applications matching the filter. Non-admin actors only ever
// see their own applications, whatever owner the filter names.
func (s *ApplicationService) List(ctx context.Context, actor Actor, filter domain.ListFilter) ([]domain.ApplicationRecord, error) {
	if !actor.Admin {
		filter.OwnerID = actor.ID
	}
	return s.repo.List(ctx, filter)
}

// Transition requests a status change on behalf of the actor. Administrators
// may request any transition; owners only the applicant transitions of their
// own applications.
func (s *ApplicationService) Transition(ctx context.Context, actor Actor, id string, target domain.Status, fields domain.TransitionFields) (domain.ApplicationRecord, error) {
	if actor.ID == "" {
		return domain.ApplicationRecord{}, domain.ErrInvalidIdentity
	}

	return s.engine.RequestTransition(ctx, TransitionRequest{
		ApplicationID: id,
		Target:        target,
		Fields:        fields,
		Actor:         actor.ID,
		Guard:         authorize(actor, target),
	})
}

func authorize(actor Actor, target domain.Status) func(domain.ApplicationRecord) error {
	return func(current domain.ApplicationRecord) error {
		if actor.Admin {
			return nil
		}
		if current.OwnerID != actor.ID {
			return domain.ErrForbidden
		}
		// Leave table violations to the validator so the caller learns
		// which rule failed.
		if domain.CanTransition(current.Status, target) && !domain.ApplicantMay(current.Status, target) {
			return domain.ErrForbidden
		}
		return nil
	}
}
