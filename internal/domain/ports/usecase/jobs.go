package usecase

import (
	"context"
	"time"

	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"
)

// JobFacade is the job data store surface consumed by the admin API.
type JobFacade interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error)
	EnqueueGroup(ctx context.Context, orchestrator model.EnqueueRequest, children []model.EnqueueRequest) (*model.GroupView, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetGroup(ctx context.Context, groupID string) (*model.GroupView, error)
	Update(ctx context.Context, job *model.Job, expected model.Version) (model.Version, error)
	RequestCancellation(ctx context.Context, id string) error
	CancelGroup(ctx context.Context, groupID string) error
	List(ctx context.Context, filter repository.JobFilter) ([]*model.Job, error)
}

// JobLeaser is what a worker needs to claim, keep and finish jobs.
type JobLeaser interface {
	AcquireBatch(ctx context.Context, queueType model.QueueType, maxCount int, heartbeatTimeout time.Duration, workerID string) ([]*model.Job, error)
	RenewHeartbeat(ctx context.Context, id, workerID string) (bool, error)
	CompleteJob(ctx context.Context, id, workerID string, expected model.Version, result []byte) (model.Version, error)
	FailJob(ctx context.Context, id, workerID string, expected model.Version, result []byte, opts model.FailOptions) (model.Version, error)
	CancelJob(ctx context.Context, id, workerID string, expected model.Version, result []byte) (model.Version, error)
	CheckStop(ctx context.Context, queueType model.QueueType) (bool, error)
}

// QueueAdmin drains and resumes queue types.
type QueueAdmin interface {
	CheckStop(ctx context.Context, queueType model.QueueType) (bool, error)
	SetStop(ctx context.Context, queueType model.QueueType, stopped bool) error
}

// GroupCoordinator is used by orchestrator handlers to fan out and wait.
type GroupCoordinator interface {
	EnqueueChildren(ctx context.Context, groupID string, children []model.EnqueueRequest) ([]*model.Job, error)
	ChildrenOutcome(ctx context.Context, groupID string) (model.GroupStatus, *model.Job, error)
}

// CancellationReaper forces cancellation on jobs whose worker ignored it.
type CancellationReaper interface {
	ReapCancelled(ctx context.Context, queueType model.QueueType, grace time.Duration) (int, error)
}

// CancellationPropagator pushes orchestrator cancellation down to children.
type CancellationPropagator interface {
	PropagateCancellation(ctx context.Context, queueType model.QueueType) (int64, error)
}
