package postgres

import (
	"context"
	"errors"

	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.QueueControlRepository = (*ControlRepo)(nil)

// ControlRepo stores the per-queue-type stop flag. A queue type without a row
// is running.
type ControlRepo struct {
	pool *pgxpool.Pool
}

func NewControlRepo(pool *pgxpool.Pool) *ControlRepo {
	return &ControlRepo{pool: pool}
}

func (r *ControlRepo) IsStopped(ctx context.Context, queueType model.QueueType) (bool, error) {
	const sql = `SELECT stopped FROM job_queue_controls WHERE queue_type = $1;`
	var stopped bool
	err := r.pool.QueryRow(ctx, sql, string(queueType)).Scan(&stopped)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr("read stop flag", err)
	}
	return stopped, nil
}

func (r *ControlRepo) SetStopped(ctx context.Context, queueType model.QueueType, stopped bool) error {
	const sql = `
INSERT INTO job_queue_controls (queue_type, stopped, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (queue_type) DO UPDATE
  SET stopped    = EXCLUDED.stopped,
      updated_at = EXCLUDED.updated_at;`
	_, err := r.pool.Exec(ctx, sql, string(queueType), stopped)
	return mapErr("write stop flag", err)
}
