package domain

import "context"

// ApplicationRepository defines the persistence contract for applications.
type ApplicationRepository interface {
	Create(ctx context.Context, record ApplicationRecord) error
	Load(ctx context.Context, id string) (ApplicationRecord, error)
	// Commit stores record together with any history entries not yet stored.
	// record.Version must be exactly one ahead of the stored version, otherwise
	// ErrStaleRecord is returned and nothing is written.
	Commit(ctx context.Context, record ApplicationRecord) error
	List(ctx context.Context, filter ListFilter) ([]ApplicationRecord, error)
}

// ListFilter holds optional criteria for listing applications.
type ListFilter struct {
	OwnerID string
	Status  *Status
	Limit   int
	Offset  int
}

// EventPublisher defines the contract for emitting status change events.
type EventPublisher interface {
	Publish(ctx context.Context, event StatusChangeEvent) error
}

// TransitionValidator checks a requested transition against the transition
// table and the target's field requirements.
type TransitionValidator interface {
	Validate(ctx context.Context, current, target Status, fields TransitionFields) error
}
