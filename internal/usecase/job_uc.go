package usecase

import (
	"context"
	"errors"
	"fmt"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/adapter"
	"job-coordinator/internal/domain/ports/repository"
	portuc "job-coordinator/internal/domain/ports/usecase"
	"job-coordinator/internal/infra/metrics"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var _ portuc.JobFacade = (*JobUseCase)(nil)

// JobUseCase is the job data store facade: enqueue, read, versioned update
// and cancellation requests.
type JobUseCase struct {
	jobs  repository.JobRepository
	tm    repository.TransactionManager
	clock adapter.Clock
	log   *zerolog.Logger
}

// NewJobUseCase constructs a JobUseCase.
func NewJobUseCase(jobs repository.JobRepository, tm repository.TransactionManager, clock adapter.Clock, logger *zerolog.Logger) *JobUseCase {
	l := logger.With().Str("component", "JobUseCase").Logger()
	return &JobUseCase{jobs: jobs, tm: tm, clock: clock, log: &l}
}

// Enqueue creates a Created job. When a job with the same idempotency key
// already exists in the queue type, that job is returned with
// domain.ErrAlreadyExists.
func (uc *JobUseCase) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Job, error) {
	job, err := uc.newJob(req)
	if err != nil {
		return nil, err
	}

	err = uc.tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if req.GroupID != "" {
			if _, err := loadOpenOrchestrator(ctx, uc.jobs, tx, req.GroupID, req.QueueType); err != nil {
				return err
			}
		}
		return insertUnique(ctx, uc.jobs, tx, job)
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, ferr := uc.jobs.FindByIdempotencyKey(ctx, repository.NoTX, job.QueueType, job.IdempotencyKey)
		if ferr != nil {
			return nil, fmt.Errorf("load duplicate of %s: %w", job.IdempotencyKey, ferr)
		}
		return existing, err
	}
	if err != nil {
		return nil, err
	}

	metrics.IncJobsEnqueued(string(job.QueueType), 1)
	uc.log.Debug().Str("job_id", job.ID).Str("queue_type", string(job.QueueType)).Str("group_id", job.GroupID).Msg("job enqueued")
	return job, nil
}

// EnqueueGroup creates an orchestrator and its children in one transaction.
// The orchestrator's GroupID is its own ID. If the orchestrator already
// exists, the existing group is returned with domain.ErrAlreadyExists.
func (uc *JobUseCase) EnqueueGroup(ctx context.Context, orchestrator model.EnqueueRequest, children []model.EnqueueRequest) (*model.GroupView, error) {
	orchestrator.GroupID = ""
	orch, err := uc.newJob(orchestrator)
	if err != nil {
		return nil, err
	}
	orch.GroupID = orch.ID

	kids := make([]*model.Job, 0, len(children))
	for i, c := range children {
		if c.QueueType != orch.QueueType {
			return nil, fmt.Errorf("child %d queue type %q differs from %q: %w", i, c.QueueType, orch.QueueType, domain.ErrInvalidArgument)
		}
		c.GroupID = orch.ID
		kid, err := uc.newJob(c)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		kids = append(kids, kid)
	}

	err = uc.tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := insertUnique(ctx, uc.jobs, tx, orch); err != nil {
			return err
		}
		for _, k := range kids {
			if err := uc.jobs.Insert(ctx, tx, k); err != nil {
				return fmt.Errorf("insert child %s: %w", k.ID, err)
			}
		}
		return nil
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, ferr := uc.jobs.FindByIdempotencyKey(ctx, repository.NoTX, orch.QueueType, orch.IdempotencyKey)
		if ferr != nil {
			return nil, err
		}
		view, verr := uc.GetGroup(ctx, existing.GroupID)
		if verr != nil {
			return nil, err
		}
		return view, err
	}
	if err != nil {
		return nil, err
	}

	metrics.IncJobsEnqueued(string(orch.QueueType), 1+len(kids))
	uc.log.Info().Str("group_id", orch.ID).Str("queue_type", string(orch.QueueType)).Int("children", len(kids)).Msg("group enqueued")
	return model.Aggregate(orch, kids), nil
}

func (uc *JobUseCase) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("empty job id: %w", domain.ErrInvalidArgument)
	}
	return uc.jobs.FindByID(ctx, repository.NoTX, id)
}

// GetGroup returns the orchestrator, its children in creation order and the
// aggregate status computed from their current records.
func (uc *JobUseCase) GetGroup(ctx context.Context, groupID string) (*model.GroupView, error) {
	return readGroup(ctx, uc.jobs, repository.NoTX, groupID)
}

// Update writes the mutable fields of job (priority, unit id, cancellation
// flag) if the stored version still equals expected and returns the new
// version. Status changes are refused; they belong to the lease manager.
func (uc *JobUseCase) Update(ctx context.Context, job *model.Job, expected model.Version) (model.Version, error) {
	if job == nil || job.ID == "" {
		return 0, fmt.Errorf("update without job id: %w", domain.ErrInvalidArgument)
	}

	stored, err := uc.jobs.FindByID(ctx, repository.NoTX, job.ID)
	if err != nil {
		return 0, err
	}
	if stored.Version != expected {
		metrics.IncWriteRejected("conflict")
		return 0, fmt.Errorf("update %s: expected version %d, stored %d: %w", job.ID, expected, stored.Version, domain.ErrConflict)
	}

	next, err := model.ApplyUpdate(stored, job)
	if err != nil {
		return 0, err
	}
	n, err := uc.jobs.Save(ctx, repository.NoTX, next, repository.Guard{Version: expected})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		metrics.IncWriteRejected("conflict")
		return 0, classifyVersionMiss(ctx, uc.jobs, job.ID)
	}
	return next.Version, nil
}

// RequestCancellation flags the job for cooperative cancellation. Status is
// left alone; repeating the call or targeting a terminal job is a no-op.
// Cancelling an orchestrator flags its whole group.
func (uc *JobUseCase) RequestCancellation(ctx context.Context, id string) error {
	job, err := uc.jobs.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		return err
	}
	if job.IsOrchestrator() {
		return uc.CancelGroup(ctx, job.GroupID)
	}
	if _, err := uc.jobs.RequestCancel(ctx, repository.NoTX, id); err != nil {
		return fmt.Errorf("request cancel %s: %w", id, err)
	}
	uc.log.Info().Str("job_id", id).Msg("cancellation requested")
	return nil
}

// CancelGroup requests cancellation of every non-terminal job in the group.
func (uc *JobUseCase) CancelGroup(ctx context.Context, groupID string) error {
	orch, err := uc.jobs.FindByID(ctx, repository.NoTX, groupID)
	if err != nil {
		return err
	}
	if !orch.IsOrchestrator() {
		return fmt.Errorf("%s is not an orchestrator: %w", groupID, domain.ErrInvalidArgument)
	}
	n, err := uc.jobs.RequestGroupCancel(ctx, repository.NoTX, groupID)
	if err != nil {
		return fmt.Errorf("request group cancel %s: %w", groupID, err)
	}
	uc.log.Info().Str("group_id", groupID).Int64("flagged", n).Msg("group cancellation requested")
	return nil
}

func (uc *JobUseCase) List(ctx context.Context, filter repository.JobFilter) ([]*model.Job, error) {
	if filter.QueueType != "" && !filter.QueueType.Valid() {
		return nil, fmt.Errorf("queue type %q: %w", filter.QueueType, domain.ErrInvalidArgument)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", filter.Status, domain.ErrInvalidArgument)
	}
	return uc.jobs.List(ctx, repository.NoTX, filter)
}

func (uc *JobUseCase) newJob(req model.EnqueueRequest) (*model.Job, error) {
	key := req.IdempotencyKey
	if key == "" && req.GroupID != "" {
		key = model.ChildKey(req.GroupID, req.Definition)
	}
	job, err := model.NewJob(req.QueueType, req.Definition, req.GroupID, key, uc.clock.Now())
	if err != nil {
		return nil, err
	}
	job.Priority = req.Priority
	job.UnitID = req.UnitID
	return job, nil
}

// insertUnique checks the idempotency key before inserting; the store's
// unique index still decides races between concurrent enqueues.
func insertUnique(ctx context.Context, jobs repository.JobRepository, tx repository.Tx, job *model.Job) error {
	_, err := jobs.FindByIdempotencyKey(ctx, tx, job.QueueType, job.IdempotencyKey)
	switch {
	case err == nil:
		return fmt.Errorf("idempotency key %s in %s: %w", job.IdempotencyKey, job.QueueType, domain.ErrAlreadyExists)
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}
	if err := jobs.Insert(ctx, tx, job); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// loadOpenOrchestrator returns the orchestrator of groupID if it accepts new
// children: same queue type, not terminal and not being cancelled.
func loadOpenOrchestrator(ctx context.Context, jobs repository.JobRepository, tx repository.Tx, groupID string, queueType model.QueueType) (*model.Job, error) {
	orch, err := jobs.FindByID(ctx, tx, groupID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("orchestrator %s: %w", groupID, err)
		}
		return nil, err
	}
	switch {
	case !orch.IsOrchestrator():
		return nil, fmt.Errorf("%s is not an orchestrator: %w", groupID, domain.ErrInvalidArgument)
	case orch.QueueType != queueType:
		return nil, fmt.Errorf("orchestrator %s is %s, child is %s: %w", groupID, orch.QueueType, queueType, domain.ErrInvalidArgument)
	case orch.Status.Terminal():
		return nil, fmt.Errorf("orchestrator %s is %s: %w", groupID, orch.Status, domain.ErrInvalidTransition)
	case orch.CancelRequested:
		return nil, fmt.Errorf("orchestrator %s is being cancelled: %w", groupID, domain.ErrInvalidTransition)
	}
	return orch, nil
}

func readGroup(ctx context.Context, jobs repository.JobRepository, tx repository.Tx, groupID string) (*model.GroupView, error) {
	if groupID == "" {
		return nil, fmt.Errorf("empty group id: %w", domain.ErrInvalidArgument)
	}
	members, err := jobs.ListByGroup(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	orch, ok := lo.Find(members, func(j *model.Job) bool { return j.ID == groupID })
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, domain.ErrNotFound)
	}
	children := lo.Filter(members, func(j *model.Job, _ int) bool { return j.ID != groupID })
	return model.Aggregate(orch, children), nil
}

// classifyVersionMiss explains a versioned write that matched no record.
func classifyVersionMiss(ctx context.Context, jobs repository.JobRepository, id string) error {
	if _, err := jobs.FindByID(ctx, repository.NoTX, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s changed concurrently: %w", id, domain.ErrConflict)
}
