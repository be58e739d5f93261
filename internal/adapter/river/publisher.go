package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// Compile-time check: Publisher implements domain.EventPublisher.
var _ domain.EventPublisher = (*Publisher)(nil)

// StatusChangeJobArgs carries a committed status change into the durable job
// queue. River serializes it as JSON, so the worker never reads the
// application tables.
type StatusChangeJobArgs struct {
	ApplicationID  string    `json:"application_id"`
	OwnerID        string    `json:"owner_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	ChangedAt      time.Time `json:"changed_at"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (StatusChangeJobArgs) Kind() string { return "application.status_changed" }

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Publisher implements domain.EventPublisher by enqueuing River jobs.
type Publisher struct {
	client *Client
}

// NewPublisher creates a publisher backed by the given River client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// Publish enqueues the status change as an async job.
func (p *Publisher) Publish(ctx context.Context, event domain.StatusChangeEvent) error {
	_, err := p.client.Insert(ctx, StatusChangeJobArgs{
		ApplicationID:  event.ApplicationID,
		OwnerID:        event.OwnerID,
		PreviousStatus: string(event.PreviousStatus),
		NewStatus:      string(event.NewStatus),
		ChangedAt:      event.Timestamp,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing status change job: %w", err)
	}
	return nil
}
