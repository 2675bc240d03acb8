package repository

import (
	"context"

	"job-coordinator/internal/domain/model"
)

// QueueControlRepository stores the per-queue-type stop flag used to drain
// workers during maintenance windows.
type QueueControlRepository interface {
	IsStopped(ctx context.Context, queueType model.QueueType) (bool, error)
	SetStopped(ctx context.Context, queueType model.QueueType, stopped bool) error
}
