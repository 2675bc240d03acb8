package sched

import (
	"context"
	"time"

	"job-coordinator/internal/domain/model"
	portuc "job-coordinator/internal/domain/ports/usecase"
	"job-coordinator/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// CancellationSweeper pushes orchestrator cancellation down to children and
// forces cancellation on jobs whose worker ignored the request for longer
// than the grace period.
type CancellationSweeper struct {
	interval   time.Duration
	grace      time.Duration
	queueTypes []model.QueueType
	reaper     portuc.CancellationReaper
	propagator portuc.CancellationPropagator
	log        *zerolog.Logger
}

func NewCancellationSweeper(
	interval, grace time.Duration,
	queueTypes []model.QueueType,
	reaper portuc.CancellationReaper,
	propagator portuc.CancellationPropagator,
	logger *zerolog.Logger,
) *CancellationSweeper {
	compLog := logger.With().Str("component", "CancellationSweeper").Logger()
	return &CancellationSweeper{
		interval:   interval,
		grace:      grace,
		queueTypes: queueTypes,
		reaper:     reaper,
		propagator: propagator,
		log:        &compLog,
	}
}

func (w *CancellationSweeper) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("grace", w.grace).Msg("Starting cancellation sweeper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping cancellation sweeper")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every queue type. Propagation runs first so the
// reap sees children flagged in this pass. A flagged Running job is reaped
// once its last heartbeat is older than grace, so its worker has until then
// to notice the flag and stop.
func (w *CancellationSweeper) Sweep(ctx context.Context) {
	for _, q := range w.queueTypes {
		ok := true
		flagged, err := w.propagator.PropagateCancellation(ctx, q)
		if err != nil {
			ok = false
			w.log.Error().Err(err).Str("queue_type", string(q)).Msg("cancellation propagation failed")
		}
		if flagged > 0 {
			metrics.AddChildrenCancelled(string(q), flagged)
		}

		reaped, err := w.reaper.ReapCancelled(ctx, q, w.grace)
		if err != nil {
			ok = false
			w.log.Error().Err(err).Str("queue_type", string(q)).Msg("forced cancellation failed")
		}
		if reaped > 0 {
			w.log.Info().Str("queue_type", string(q)).Int("count", reaped).Msg("jobs force-cancelled")
		}
		metrics.IncSweep(string(q), ok)
	}
}
