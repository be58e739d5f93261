package app

import (
	"context"
	"errors"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// MultiPublisher fans a status change out to several publishers in order.
// Every publisher is attempted; their errors are joined.
type MultiPublisher []domain.EventPublisher

var _ domain.EventPublisher = MultiPublisher(nil)

func (m MultiPublisher) Publish(ctx context.Context, event domain.StatusChangeEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
