package river

import (
	"context"

	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

// StatusChangeWorker writes an audit line for every committed status change.
type StatusChangeWorker struct {
	river.WorkerDefaults[StatusChangeJobArgs]

	logger *zap.Logger
}

// NewStatusChangeWorker returns a worker logging through logger.
func NewStatusChangeWorker(logger *zap.Logger) *StatusChangeWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusChangeWorker{logger: logger}
}

// Work processes a single status change job.
func (w *StatusChangeWorker) Work(ctx context.Context, job *river.Job[StatusChangeJobArgs]) error {
	w.logger.Info("application status changed",
		zap.String("application_id", job.Args.ApplicationID),
		zap.String("owner_id", job.Args.OwnerID),
		zap.String("from", job.Args.PreviousStatus),
		zap.String("to", job.Args.NewStatus),
		zap.Time("changed_at", job.Args.ChangedAt),
		zap.Int64("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
	)
	return nil
}
