package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
	portuc "job-coordinator/internal/domain/ports/usecase"
	"job-coordinator/internal/infra/logging"
	"job-coordinator/internal/infra/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var (
	errCancelRequested = errors.New("cancellation requested")
	errLeaseLost       = errors.New("lease lost")
	errHandlerDone     = errors.New("handler returned")
)

type Options struct {
	// WorkerID identifies this process in job leases. Generated when empty.
	WorkerID          string
	Concurrency       int
	BatchSize         int
	PollInterval      time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration
}

// Runner polls every registered queue type, runs claimed jobs on a pool and
// keeps their leases alive until the outcome is written.
//
// Orchestrators run beside the pool, not in it: they only wait for their
// children, and a pool full of waiting orchestrators could never claim them.
type Runner struct {
	leaser        portuc.JobLeaser
	handlers      *Registry
	opts          Options
	pool          *Pool
	slots         chan struct{}
	orchestrators sync.WaitGroup
	log           *zerolog.Logger

	newBackOff func() backoff.BackOff
}

func NewRunner(leaser portuc.JobLeaser, handlers *Registry, opts Options, logger *zerolog.Logger) (*Runner, error) {
	if len(handlers.QueueTypes()) == 0 {
		return nil, fmt.Errorf("no handlers registered: %w", domain.ErrInvalidArgument)
	}
	if opts.HeartbeatTimeout <= 0 || opts.HeartbeatInterval <= 0 || opts.HeartbeatInterval >= opts.HeartbeatTimeout {
		return nil, fmt.Errorf("heartbeat interval %s must be positive and below timeout %s: %w",
			opts.HeartbeatInterval, opts.HeartbeatTimeout, domain.ErrInvalidArgument)
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	l := logger.With().Str("component", "Runner").Str("worker_id", opts.WorkerID).Logger()
	timeout := opts.HeartbeatTimeout
	return &Runner{
		leaser:   leaser,
		handlers: handlers,
		opts:     opts,
		pool:     NewPool(opts.Concurrency, &l),
		slots:    make(chan struct{}, opts.Concurrency),
		log:      &l,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			// A terminal write is only accepted while the heartbeat is fresh.
			b.MaxElapsedTime = timeout
			return b
		},
	}, nil
}

func (r *Runner) WorkerID() string { return r.opts.WorkerID }

// Run blocks until ctx is done. Jobs still running at shutdown are left to
// be reclaimed once their heartbeat expires.
func (r *Runner) Run(ctx context.Context) error {
	ctx = logging.WithWorkerID(ctx, r.opts.WorkerID)
	r.log.Info().Strs("queue_types", queueNames(r.handlers.QueueTypes())).Int("concurrency", r.opts.Concurrency).Msg("Starting worker runner")

	r.pool.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range r.handlers.QueueTypes() {
		q := q
		h, _ := r.handlers.Lookup(q)
		g.Go(func() error { return r.poll(gctx, q, h) })
	}
	err := g.Wait()
	r.pool.Stop()
	r.orchestrators.Wait()
	r.log.Info().Msg("Stopping worker runner")
	return err
}

func (r *Runner) poll(ctx context.Context, q model.QueueType, h Handler) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		r.claim(ctx, q, h)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// claim reserves free slots before asking for work, so a claimed job never
// waits for capacity without a heartbeat.
func (r *Runner) claim(ctx context.Context, q model.QueueType, h Handler) {
	reserved := 0
reserve:
	for reserved < r.opts.BatchSize {
		select {
		case r.slots <- struct{}{}:
			reserved++
		default:
			break reserve
		}
	}
	if reserved == 0 {
		return
	}

	jobs, err := r.leaser.AcquireBatch(ctx, q, reserved, r.opts.HeartbeatTimeout, r.opts.WorkerID)
	for i := len(jobs); i < reserved; i++ {
		<-r.slots
	}
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error().Err(err).Str("queue_type", string(q)).Msg("claim failed")
		}
		return
	}

	for _, job := range jobs {
		job := job
		metrics.AddJobsInFlight(string(q), 1)
		if job.IsOrchestrator() {
			<-r.slots
			r.orchestrators.Add(1)
			go func() {
				defer func() {
					metrics.AddJobsInFlight(string(q), -1)
					r.orchestrators.Done()
				}()
				r.execute(ctx, h, job)
			}()
			continue
		}
		err := r.pool.Submit(ctx, func(ctx context.Context) error {
			defer func() {
				metrics.AddJobsInFlight(string(q), -1)
				<-r.slots
			}()
			r.execute(ctx, h, job)
			return nil
		})
		if err != nil {
			metrics.AddJobsInFlight(string(q), -1)
			<-r.slots
			r.log.Warn().Err(err).Str("job_id", job.ID).Msg("job not started; it will be reclaimed")
		}
	}
}

func (r *Runner) execute(parent context.Context, h Handler, job *model.Job) {
	ctx := logging.WithQueueType(logging.WithJobID(parent, job.ID), string(job.QueueType))
	log := logging.With(ctx, r.log)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		r.heartbeat(jobCtx, job, cancel, log)
	}()

	start := time.Now()
	result, err := runHandler(jobCtx, h, job)
	cancel(errHandlerDone)
	<-beating
	cause := context.Cause(jobCtx)

	var (
		status = model.StatusCompleted
		opts   model.FailOptions
	)
	switch {
	case errors.Is(cause, errLeaseLost):
		log.Warn().Err(err).Msg("lease lost; outcome discarded")
		return
	case err != nil && parent.Err() != nil:
		log.Info().Msg("shutdown while running; leaving job for reclaim")
		return
	case err == nil:
	case errors.Is(cause, errCancelRequested):
		status = model.StatusCancelled
	default:
		status = model.StatusFailed
		if result == nil {
			result = model.NewErrorResult(job.ID, err)
		}
		opts.CancelGroup = isGroupFailure(err)
	}
	metrics.ObserveHandler(string(job.QueueType), string(status), time.Since(start))

	if werr := r.report(ctx, job, status, result, opts); werr != nil {
		log.Error().Err(werr).Str("status", string(status)).Msg("outcome not recorded")
		return
	}
	log.Info().Str("status", string(status)).Dur("duration", time.Since(start)).Msg("job finished")
}

func runHandler(ctx context.Context, h Handler, job *model.Job) (result []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, job)
}

// heartbeat renews the lease every interval. It cancels the job's context
// when the lease is gone or cancellation was requested. A failed renewal is
// retried on the next tick.
func (r *Runner) heartbeat(ctx context.Context, job *model.Job, cancel context.CancelCauseFunc, log *zerolog.Logger) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cancelRequested, err := r.leaser.RenewHeartbeat(ctx, job.ID, r.opts.WorkerID)
		switch {
		case errors.Is(err, domain.ErrOwnershipLost), errors.Is(err, domain.ErrNotFound):
			cancel(errLeaseLost)
			return
		case err != nil:
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("heartbeat failed")
			}
		case cancelRequested:
			log.Info().Msg("cancellation requested")
			cancel(errCancelRequested)
			return
		}
	}
}

// report writes the outcome, retrying transient store errors. The write
// outlives shutdown so a finished job is not redone.
func (r *Runner) report(ctx context.Context, job *model.Job, status model.Status, result []byte, opts model.FailOptions) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.HeartbeatTimeout)
	defer cancel()

	attempt := 0
	op := func() error {
		attempt++
		var err error
		switch status {
		case model.StatusCompleted:
			_, err = r.leaser.CompleteJob(wctx, job.ID, r.opts.WorkerID, job.Version, result)
		case model.StatusCancelled:
			_, err = r.leaser.CancelJob(wctx, job.ID, r.opts.WorkerID, job.Version, result)
		default:
			_, err = r.leaser.FailJob(wctx, job.ID, r.opts.WorkerID, job.Version, result, opts)
		}
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			// A conflict after a retry may be our own write that committed
			// before the transient error surfaced.
			if attempt > 1 && errors.Is(err, domain.ErrConflict) {
				r.log.Warn().Str("job_id", job.ID).Msg("conflict after retry; outcome may already be recorded")
			}
			return backoff.Permanent(err)
		}
		metrics.IncOutcomeRetry(string(job.QueueType))
		return err
	}
	return backoff.Retry(op, backoff.WithContext(r.newBackOff(), wctx))
}

func queueNames(qs []model.QueueType) []string {
	return lo.Map(qs, func(q model.QueueType, _ int) string { return string(q) })
}
