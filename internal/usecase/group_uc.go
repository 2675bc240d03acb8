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
)

var (
	_ portuc.GroupCoordinator       = (*GroupUseCase)(nil)
	_ portuc.CancellationPropagator = (*GroupUseCase)(nil)
)

// GroupUseCase drives orchestrator/child hierarchies: fan-out from a running
// orchestrator, the children's aggregate outcome, and cancellation
// propagation from orchestrators to their children.
type GroupUseCase struct {
	jobs  repository.JobRepository
	tm    repository.TransactionManager
	clock adapter.Clock
	log   *zerolog.Logger
}

func NewGroupUseCase(jobs repository.JobRepository, tm repository.TransactionManager, clock adapter.Clock, logger *zerolog.Logger) *GroupUseCase {
	l := logger.With().Str("component", "GroupUseCase").Logger()
	return &GroupUseCase{jobs: jobs, tm: tm, clock: clock, log: &l}
}

// EnqueueChildren adds children to the group of a live orchestrator. A child
// that already exists in the group is returned as is, so an orchestrator that
// was reclaimed can fan out again without duplicating work. Children are
// returned in request order.
func (uc *GroupUseCase) EnqueueChildren(ctx context.Context, groupID string, children []model.EnqueueRequest) ([]*model.Job, error) {
	if groupID == "" {
		return nil, fmt.Errorf("empty group id: %w", domain.ErrInvalidArgument)
	}
	if len(children) == 0 {
		return nil, nil
	}

	now := uc.clock.Now()
	var (
		out     []*model.Job
		created int
	)
	err := uc.tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		out, created = make([]*model.Job, 0, len(children)), 0

		orch, err := loadOpenOrchestrator(ctx, uc.jobs, tx, groupID, children[0].QueueType)
		if err != nil {
			return err
		}

		for i, c := range children {
			if c.QueueType != orch.QueueType {
				return fmt.Errorf("child %d queue type %q differs from %q: %w", i, c.QueueType, orch.QueueType, domain.ErrInvalidArgument)
			}
			key := c.IdempotencyKey
			if key == "" {
				key = model.ChildKey(groupID, c.Definition)
			}
			job, err := model.NewJob(c.QueueType, c.Definition, groupID, key, now)
			if err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
			job.Priority = c.Priority
			job.UnitID = c.UnitID

			existing, err := uc.jobs.FindByIdempotencyKey(ctx, tx, job.QueueType, key)
			switch {
			case err == nil:
				if existing.GroupID != groupID {
					return fmt.Errorf("child %d key %s belongs to group %q: %w", i, key, existing.GroupID, domain.ErrAlreadyExists)
				}
				out = append(out, existing)
				continue
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}

			if err := uc.jobs.Insert(ctx, tx, job); err != nil {
				return fmt.Errorf("insert child %d: %w", i, err)
			}
			out = append(out, job)
			created++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created > 0 {
		metrics.IncJobsEnqueued(string(out[0].QueueType), created)
	}
	uc.log.Info().Str("group_id", groupID).Int("requested", len(children)).Int("created", created).Msg("children enqueued")
	return out, nil
}

// ChildrenOutcome aggregates the children of groupID without the
// orchestrator. An orchestrator handler waits on it before writing its own
// terminal status; the returned job explains a failed outcome.
func (uc *GroupUseCase) ChildrenOutcome(ctx context.Context, groupID string) (model.GroupStatus, *model.Job, error) {
	view, err := readGroup(ctx, uc.jobs, repository.NoTX, groupID)
	if err != nil {
		return "", nil, err
	}
	status, failure := model.AggregateChildren(view.Children)
	return status, failure, nil
}

// GetGroup is the aggregate view of the whole group.
func (uc *GroupUseCase) GetGroup(ctx context.Context, groupID string) (*model.GroupView, error) {
	return readGroup(ctx, uc.jobs, repository.NoTX, groupID)
}

// PropagateCancellation flags the non-terminal children of every live
// orchestrator of queueType whose cancellation was requested. It returns the
// number of children flagged.
func (uc *GroupUseCase) PropagateCancellation(ctx context.Context, queueType model.QueueType) (int64, error) {
	requested := true
	var total int64
	var errs []error
	for _, status := range []model.Status{model.StatusCreated, model.StatusRunning} {
		orchs, err := uc.jobs.List(ctx, repository.NoTX, repository.JobFilter{
			QueueType:         queueType,
			Status:            status,
			CancelRequested:   &requested,
			OrchestratorsOnly: true,
		})
		if err != nil {
			return total, fmt.Errorf("list cancelled orchestrators %s: %w", queueType, err)
		}
		for _, o := range orchs {
			n, err := uc.jobs.RequestGroupCancel(ctx, repository.NoTX, o.GroupID)
			if err != nil {
				errs = append(errs, fmt.Errorf("propagate %s: %w", o.GroupID, err))
				continue
			}
			if n > 0 {
				uc.log.Info().Str("group_id", o.GroupID).Int64("flagged", n).Msg("propagated cancellation")
			}
			total += n
		}
	}
	return total, errors.Join(errs...)
}
