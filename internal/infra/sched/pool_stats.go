package sched

import (
	"context"
	"time"

	"job-coordinator/internal/infra/metrics"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// PoolStatsReporter publishes database pool gauges.
type PoolStatsReporter struct {
	interval time.Duration
	pool     *pgxpool.Pool
	log      *zerolog.Logger
}

func NewPoolStatsReporter(interval time.Duration, pool *pgxpool.Pool, logger *zerolog.Logger) *PoolStatsReporter {
	compLog := logger.With().Str("component", "PoolStatsReporter").Logger()
	return &PoolStatsReporter{interval: interval, pool: pool, log: &compLog}
}

func (r *PoolStatsReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.report()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *PoolStatsReporter) report() {
	s := r.pool.Stat()
	metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns(), s.MaxConns(), s.AcquireCount())
	if s.AcquiredConns() == s.MaxConns() {
		r.log.Debug().Int32("max", s.MaxConns()).Msg("database pool saturated")
	}
}
