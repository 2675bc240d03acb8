package repository

import (
	"context"
	"time"

	"job-coordinator/internal/domain/model"
)

// Guard is the predicate a conditional write must still satisfy when it is
// applied. Zero-valued fields are not checked, except Version which always is.
type Guard struct {
	Version model.Version
	Worker  string
	Status  model.Status
	// FreshAfter requires heartbeat_at >= FreshAfter.
	FreshAfter time.Time
	// ClaimableBefore requires status = created, or status = running with
	// heartbeat_at < ClaimableBefore.
	ClaimableBefore time.Time
}

// JobFilter selects jobs for listing and sweeps.
type JobFilter struct {
	QueueType         model.QueueType
	Status            model.Status
	CancelRequested   *bool
	OrchestratorsOnly bool
	// HeartbeatBefore matches heartbeat_at < HeartbeatBefore.
	HeartbeatBefore time.Time
	Limit           int
}

type JobRepository interface {
	// Insert persists a new job. A duplicate (queue type, idempotency key)
	// yields domain.ErrAlreadyExists.
	Insert(ctx context.Context, tx Tx, job *model.Job) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	FindByIdempotencyKey(ctx context.Context, tx Tx, queueType model.QueueType, key string) (*model.Job, error)
	// ListByGroup returns every job of the group, orchestrator included, in
	// creation order.
	ListByGroup(ctx context.Context, tx Tx, groupID string) ([]*model.Job, error)
	List(ctx context.Context, tx Tx, filter JobFilter) ([]*model.Job, error)

	// SelectClaimable returns up to limit jobs of queueType that are Created,
	// or Running with heartbeat_at < staleBefore, ordered by
	// (priority, unit_id, id) ascending.
	SelectClaimable(ctx context.Context, tx Tx, queueType model.QueueType, staleBefore time.Time, limit int) ([]*model.Job, error)

	// Save writes every mutable field of job if guard holds, and assigns the
	// new version to job.Version. It returns the number of affected records.
	Save(ctx context.Context, tx Tx, job *model.Job, guard Guard) (int64, error)

	// TouchHeartbeat sets heartbeat_at = now where worker = workerID and
	// status = running, without bumping the version. It reports whether
	// cancellation was requested.
	TouchHeartbeat(ctx context.Context, tx Tx, id, workerID string, now time.Time) (cancelRequested bool, affected int64, err error)

	// RequestCancel sets cancel_requested on the non-terminal jobs among ids
	// and returns how many were not flagged before.
	RequestCancel(ctx context.Context, tx Tx, ids ...string) (int64, error)
	// RequestGroupCancel does the same for every non-terminal job of the group.
	RequestGroupCancel(ctx context.Context, tx Tx, groupID string) (int64, error)
}
