package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/adapter"
	"job-coordinator/internal/domain/ports/repository"
	portuc "job-coordinator/internal/domain/ports/usecase"
	"job-coordinator/internal/infra/metrics"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

var (
	_ portuc.JobLeaser          = (*LeaseManager)(nil)
	_ portuc.QueueAdmin         = (*LeaseManager)(nil)
	_ portuc.CancellationReaper = (*LeaseManager)(nil)
)

// LockName is the advisory lock serializing claims within one queue type.
func LockName(queueType model.QueueType) string {
	return "job-queue:" + string(queueType)
}

// LeaseManager hands out jobs to workers and guards every write a worker
// makes while holding one.
type LeaseManager struct {
	jobs     repository.JobRepository
	controls repository.QueueControlRepository
	tm       repository.TransactionManager
	locker   repository.AdvisoryLocker
	clock    adapter.Clock
	log      *zerolog.Logger
}

func NewLeaseManager(
	jobs repository.JobRepository,
	controls repository.QueueControlRepository,
	tm repository.TransactionManager,
	locker repository.AdvisoryLocker,
	clock adapter.Clock,
	logger *zerolog.Logger,
) *LeaseManager {
	l := logger.With().Str("component", "LeaseManager").Logger()
	return &LeaseManager{jobs: jobs, controls: controls, tm: tm, locker: locker, clock: clock, log: &l}
}

// AcquireBatch claims up to maxCount runnable jobs of queueType for workerID.
// An empty batch with a nil error means there is no work right now. On error
// nothing is claimed.
//
// Candidates are Created jobs and Running jobs whose heartbeat is older than
// heartbeatTimeout, taken in (priority, unit id, id) order under the queue's
// advisory lock. Each claim is a conditional write that re-checks the
// selection predicate. Candidates already flagged for cancellation are moved
// to Cancelled instead of being handed out.
func (m *LeaseManager) AcquireBatch(ctx context.Context, queueType model.QueueType, maxCount int, heartbeatTimeout time.Duration, workerID string) ([]*model.Job, error) {
	switch {
	case !queueType.Valid():
		return nil, fmt.Errorf("queue type %q: %w", queueType, domain.ErrInvalidArgument)
	case maxCount <= 0:
		return nil, fmt.Errorf("max count %d: %w", maxCount, domain.ErrInvalidArgument)
	case heartbeatTimeout <= 0:
		return nil, fmt.Errorf("heartbeat timeout %s: %w", heartbeatTimeout, domain.ErrInvalidArgument)
	case workerID == "":
		return nil, fmt.Errorf("empty worker id: %w", domain.ErrInvalidArgument)
	}

	start := time.Now()
	stopped, err := m.CheckStop(ctx, queueType)
	if err != nil {
		metrics.ObserveClaimBatch(string(queueType), "error", 0, 0, time.Since(start))
		return nil, fmt.Errorf("check stop %s: %w", queueType, err)
	}
	if stopped {
		metrics.ObserveClaimBatch(string(queueType), "stopped", 0, 0, time.Since(start))
		return nil, nil
	}

	now := m.clock.Now()
	staleBefore := now.Add(-heartbeatTimeout)

	var (
		claimed   []*model.Job
		reclaimed int
		cancelled []*model.Job
		release   repository.ReleaseFunc
	)
	err = m.tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		claimed, reclaimed, cancelled = nil, 0, nil

		r, err := m.locker.Acquire(ctx, tx, LockName(queueType))
		if err != nil {
			return fmt.Errorf("acquire %s: %w", LockName(queueType), err)
		}
		release = r

		candidates, err := m.jobs.SelectClaimable(ctx, tx, queueType, staleBefore, maxCount)
		if err != nil {
			return fmt.Errorf("select claimable %s: %w", queueType, err)
		}

		for _, c := range candidates {
			guard := repository.Guard{Version: c.Version, ClaimableBefore: staleBefore}

			if c.CancelRequested {
				next, err := c.Finish(model.StatusCancelled, nil, now)
				if err != nil {
					return err
				}
				n, err := m.jobs.Save(ctx, tx, next, guard)
				if err != nil {
					return fmt.Errorf("cancel %s: %w", c.ID, err)
				}
				if n == 1 {
					cancelled = append(cancelled, next)
				}
				continue
			}

			next, err := c.Claim(workerID, now, heartbeatTimeout)
			if err != nil {
				return err
			}
			n, err := m.jobs.Save(ctx, tx, next, guard)
			if err != nil {
				return fmt.Errorf("claim %s: %w", c.ID, err)
			}
			if n == 0 {
				// Taken by a writer that does not honor the lock.
				continue
			}
			if c.Status == model.StatusRunning {
				reclaimed++
				m.log.Warn().Str("job_id", c.ID).Str("previous_worker", c.Worker).Str("worker_id", workerID).Msg("reclaimed orphaned job")
			}
			claimed = append(claimed, next)
		}
		return nil
	})
	if release != nil {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			m.log.Warn().Err(rerr).Str("queue_type", string(queueType)).Msg("release claim lock")
		}
	}
	if err != nil {
		metrics.ObserveClaimBatch(string(queueType), "error", 0, 0, time.Since(start))
		m.log.Error().Err(err).Str("queue_type", string(queueType)).Str("worker_id", workerID).Msg("claim batch failed")
		return nil, err
	}

	if len(cancelled) > 0 {
		metrics.IncForceCancelled(string(queueType), len(cancelled))
		m.afterTerminal(ctx, cancelled...)
	}
	outcome := "empty"
	if len(claimed) > 0 {
		outcome = "claimed"
	}
	metrics.ObserveClaimBatch(string(queueType), outcome, len(claimed), reclaimed, time.Since(start))
	if len(claimed) > 0 {
		m.log.Debug().Str("queue_type", string(queueType)).Str("worker_id", workerID).
			Strs("job_ids", lo.Map(claimed, func(j *model.Job, _ int) string { return j.ID })).
			Msg("claimed jobs")
	}
	return claimed, nil
}

// RenewHeartbeat extends workerID's lease on the job and reports whether
// cancellation has been requested. domain.ErrOwnershipLost means the worker
// must stop working on the job.
func (m *LeaseManager) RenewHeartbeat(ctx context.Context, id, workerID string) (bool, error) {
	cancelRequested, n, err := m.jobs.TouchHeartbeat(ctx, repository.NoTX, id, workerID, m.clock.Now())
	if err != nil {
		metrics.IncHeartbeat("error")
		return false, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	if n == 0 {
		metrics.IncHeartbeat("lost")
		if _, ferr := m.jobs.FindByID(ctx, repository.NoTX, id); ferr != nil {
			return false, ferr
		}
		return false, fmt.Errorf("heartbeat %s by %s: %w", id, workerID, domain.ErrOwnershipLost)
	}
	metrics.IncHeartbeat("renewed")
	return cancelRequested, nil
}

// CompleteJob records a successful outcome. It returns the new version.
func (m *LeaseManager) CompleteJob(ctx context.Context, id, workerID string, expected model.Version, result []byte) (model.Version, error) {
	return m.finish(ctx, id, workerID, expected, model.StatusCompleted, result, model.FailOptions{})
}

// FailJob records a failure. With opts.CancelGroup the rest of the job's
// group is flagged for cancellation.
func (m *LeaseManager) FailJob(ctx context.Context, id, workerID string, expected model.Version, result []byte, opts model.FailOptions) (model.Version, error) {
	return m.finish(ctx, id, workerID, expected, model.StatusFailed, result, opts)
}

// CancelJob records a cooperative abort after the worker observed a
// cancellation request.
func (m *LeaseManager) CancelJob(ctx context.Context, id, workerID string, expected model.Version, result []byte) (model.Version, error) {
	return m.finish(ctx, id, workerID, expected, model.StatusCancelled, result, model.FailOptions{})
}

func (m *LeaseManager) finish(ctx context.Context, id, workerID string, expected model.Version, status model.Status, result []byte, opts model.FailOptions) (model.Version, error) {
	now := m.clock.Now()
	cur, err := m.jobs.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		return 0, err
	}
	if cur.Version != expected {
		metrics.IncWriteRejected("conflict")
		return 0, fmt.Errorf("%s %s: expected version %d, stored %d: %w", status, id, expected, cur.Version, domain.ErrConflict)
	}
	if !cur.HeldBy(workerID, now) {
		metrics.IncWriteRejected("ownership_lost")
		return 0, fmt.Errorf("%s %s: not held by %s: %w", status, id, workerID, domain.ErrOwnershipLost)
	}
	next, err := cur.Finish(status, result, now)
	if err != nil {
		return 0, err
	}

	guard := repository.Guard{
		Version:    expected,
		Worker:     workerID,
		Status:     model.StatusRunning,
		FreshAfter: now.Add(-cur.HeartbeatTimeout),
	}
	n, err := m.jobs.Save(ctx, repository.NoTX, next, guard)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", status, id, err)
	}
	if n == 0 {
		return 0, m.classifyRejected(ctx, id, expected)
	}

	metrics.IncJobFinished(string(next.QueueType), string(status))
	m.log.Info().Str("job_id", id).Str("worker_id", workerID).Str("status", string(status)).Msg("job finished")

	m.afterTerminal(ctx, next)
	if status == model.StatusFailed && opts.CancelGroup && next.GroupID != "" {
		m.cancelGroup(ctx, next.GroupID, id)
	}
	return next.Version, nil
}

// afterTerminal stops the children of orchestrators that ended without
// completing.
func (m *LeaseManager) afterTerminal(ctx context.Context, jobs ...*model.Job) {
	for _, j := range jobs {
		if j.IsOrchestrator() && (j.Status == model.StatusFailed || j.Status == model.StatusCancelled) {
			m.cancelGroup(ctx, j.GroupID, j.ID)
		}
	}
}

// cancelGroup is best effort: the terminal write it follows has already
// succeeded and the sweeper repeats propagation for orchestrators.
func (m *LeaseManager) cancelGroup(ctx context.Context, groupID, causeID string) {
	n, err := m.jobs.RequestGroupCancel(ctx, repository.NoTX, groupID)
	if err != nil {
		m.log.Error().Err(err).Str("group_id", groupID).Str("job_id", causeID).Msg("request group cancellation")
		return
	}
	if n > 0 {
		m.log.Info().Str("group_id", groupID).Str("job_id", causeID).Int64("flagged", n).Msg("group cancellation requested")
	}
}

func (m *LeaseManager) classifyRejected(ctx context.Context, id string, expected model.Version) error {
	cur, err := m.jobs.FindByID(ctx, repository.NoTX, id)
	if err != nil {
		return err
	}
	if cur.Version != expected {
		metrics.IncWriteRejected("conflict")
		return fmt.Errorf("job %s moved to version %d: %w", id, cur.Version, domain.ErrConflict)
	}
	metrics.IncWriteRejected("ownership_lost")
	return fmt.Errorf("job %s lease expired: %w", id, domain.ErrOwnershipLost)
}

// ReapCancelled moves jobs to Cancelled on behalf of workers that did not
// react to a cancellation request: Running jobs whose heartbeat is older than
// grace, and Created jobs nobody has claimed yet.
func (m *LeaseManager) ReapCancelled(ctx context.Context, queueType model.QueueType, grace time.Duration) (int, error) {
	now := m.clock.Now()
	requested := true

	stale, err := m.jobs.List(ctx, repository.NoTX, repository.JobFilter{
		QueueType:       queueType,
		Status:          model.StatusRunning,
		CancelRequested: &requested,
		HeartbeatBefore: now.Add(-grace),
	})
	if err != nil {
		return 0, fmt.Errorf("list stale cancelled %s: %w", queueType, err)
	}
	pending, err := m.jobs.List(ctx, repository.NoTX, repository.JobFilter{
		QueueType:       queueType,
		Status:          model.StatusCreated,
		CancelRequested: &requested,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending cancelled %s: %w", queueType, err)
	}

	var reaped []*model.Job
	var errs []error
	for _, j := range append(stale, pending...) {
		next, err := j.Finish(model.StatusCancelled, nil, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		guard := repository.Guard{Version: j.Version, Status: j.Status}
		if j.Status == model.StatusRunning {
			guard.ClaimableBefore = now.Add(-grace)
		}
		n, err := m.jobs.Save(ctx, repository.NoTX, next, guard)
		if err != nil {
			errs = append(errs, fmt.Errorf("reap %s: %w", j.ID, err))
			continue
		}
		if n == 1 {
			reaped = append(reaped, next)
			m.log.Info().Str("job_id", j.ID).Str("worker_id", j.Worker).Str("previous_status", string(j.Status)).Msg("force-cancelled job")
		}
	}

	if len(reaped) > 0 {
		metrics.IncForceCancelled(string(queueType), len(reaped))
		m.afterTerminal(ctx, reaped...)
	}
	return len(reaped), errors.Join(errs...)
}

// CheckStop reports whether claims for queueType are suspended.
func (m *LeaseManager) CheckStop(ctx context.Context, queueType model.QueueType) (bool, error) {
	return m.controls.IsStopped(ctx, queueType)
}

// SetStop suspends or resumes claims for queueType. Jobs already running are
// not affected.
func (m *LeaseManager) SetStop(ctx context.Context, queueType model.QueueType, stopped bool) error {
	if !queueType.Valid() {
		return fmt.Errorf("queue type %q: %w", queueType, domain.ErrInvalidArgument)
	}
	if err := m.controls.SetStopped(ctx, queueType, stopped); err != nil {
		return fmt.Errorf("set stop %s: %w", queueType, err)
	}
	m.log.Warn().Str("queue_type", string(queueType)).Bool("stopped", stopped).Msg("queue stop flag changed")
	return nil
}
