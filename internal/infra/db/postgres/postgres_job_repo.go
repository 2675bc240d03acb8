package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.JobRepository = (*JobRepo)(nil)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `id, queue_type, group_id, idempotency_key, definition, result, status,
       priority, unit_id, worker, heartbeat_at, heartbeat_timeout_ms, started_at, ended_at,
       created_at, cancel_requested, version`

// claimablePredicate is the selection predicate of the claim scan, formatted
// with the placeholder of the stale-heartbeat cutoff.
const claimablePredicate = `(status = 'created' OR (status = 'running' AND (heartbeat_at IS NULL OR heartbeat_at < %s)))`

func (r *JobRepo) Insert(ctx context.Context, tx repository.Tx, job *model.Job) error {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	if job.Version == 0 {
		job.Version = model.InitialVersion
	}

	const sql = `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);`

	_, err = q.Exec(ctx, sql,
		job.ID, string(job.QueueType), nullString(job.GroupID), job.IdempotencyKey, job.Definition, job.Result,
		string(job.Status), job.Priority, job.UnitID, nullString(job.Worker), job.HeartbeatAt,
		job.HeartbeatTimeout.Milliseconds(), job.StartedAt, job.EndedAt, job.CreatedAt,
		job.CancelRequested, int64(job.Version),
	)
	return mapErr("insert job", err)
}

func (r *JobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	const sql = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	return r.queryOne(ctx, tx, "find job", sql, id)
}

func (r *JobRepo) FindByIdempotencyKey(ctx context.Context, tx repository.Tx, queueType model.QueueType, key string) (*model.Job, error) {
	const sql = `SELECT ` + jobColumns + ` FROM jobs WHERE queue_type = $1 AND idempotency_key = $2;`
	return r.queryOne(ctx, tx, "find job by key", sql, string(queueType), key)
}

func (r *JobRepo) ListByGroup(ctx context.Context, tx repository.Tx, groupID string) ([]*model.Job, error) {
	const sql = `SELECT ` + jobColumns + ` FROM jobs WHERE group_id = $1 ORDER BY created_at, id;`
	return r.queryMany(ctx, tx, "list group", sql, groupID)
}

func (r *JobRepo) List(ctx context.Context, tx repository.Tx, f repository.JobFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.QueueType != "" {
		add("queue_type = $%d", string(f.QueueType))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CancelRequested != nil {
		add("cancel_requested = $%d", *f.CancelRequested)
	}
	if f.OrchestratorsOnly {
		where = append(where, "group_id = id")
	}
	if !f.HeartbeatBefore.IsZero() {
		add("heartbeat_at < $%d", f.HeartbeatBefore)
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + jobColumns + ` FROM jobs`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, id")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return r.queryMany(ctx, tx, "list jobs", b.String(), args...)
}

// SelectClaimable locks the selected rows; rows locked by a concurrent writer
// are skipped rather than waited on.
func (r *JobRepo) SelectClaimable(ctx context.Context, tx repository.Tx, queueType model.QueueType, staleBefore time.Time, limit int) ([]*model.Job, error) {
	sql := `
SELECT ` + jobColumns + `
  FROM jobs
 WHERE queue_type = $1
   AND ` + fmt.Sprintf(claimablePredicate, "$2") + `
 ORDER BY priority, unit_id, id
 LIMIT $3
 FOR UPDATE SKIP LOCKED;`
	return r.queryMany(ctx, tx, "select claimable", sql, string(queueType), staleBefore, limit)
}

// Save is the conditional write. cancel_requested is only ever raised here so
// that a flag set after the caller read the record survives.
func (r *JobRepo) Save(ctx context.Context, tx repository.Tx, job *model.Job, g repository.Guard) (int64, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return 0, err
	}

	args := []interface{}{
		job.ID, string(job.Status), job.Result, job.Priority, job.UnitID, nullString(job.Worker),
		job.HeartbeatAt, job.HeartbeatTimeout.Milliseconds(), job.StartedAt, job.EndedAt,
		job.CancelRequested, int64(g.Version),
	}
	var b strings.Builder
	b.WriteString(`
UPDATE jobs
   SET status = $2, result = $3, priority = $4, unit_id = $5, worker = $6,
       heartbeat_at = $7, heartbeat_timeout_ms = $8, started_at = $9, ended_at = $10,
       cancel_requested = cancel_requested OR $11, version = version + 1
 WHERE id = $1 AND version = $12`)
	cond := func(format string, v interface{}) {
		args = append(args, v)
		b.WriteString(" AND " + fmt.Sprintf(format, fmt.Sprintf("$%d", len(args))))
	}
	if g.Worker != "" {
		cond("worker = %s", g.Worker)
	}
	if g.Status != "" {
		cond("status = %s", string(g.Status))
	}
	if !g.FreshAfter.IsZero() {
		cond("heartbeat_at >= %s", g.FreshAfter)
	}
	if !g.ClaimableBefore.IsZero() {
		cond(claimablePredicate, g.ClaimableBefore)
	}
	b.WriteString(" RETURNING version;")

	var version int64
	err = q.QueryRow(ctx, b.String(), args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapErr("save job", err)
	}
	job.Version = model.Version(version)
	return 1, nil
}

func (r *JobRepo) TouchHeartbeat(ctx context.Context, tx repository.Tx, id, workerID string, now time.Time) (bool, int64, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return false, 0, err
	}
	const sql = `
UPDATE jobs SET heartbeat_at = $3
 WHERE id = $1 AND worker = $2 AND status = 'running'
RETURNING cancel_requested;`

	var cancelRequested bool
	err = q.QueryRow(ctx, sql, id, workerID, now).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, mapErr("touch heartbeat", err)
	}
	return cancelRequested, 1, nil
}

func (r *JobRepo) RequestCancel(ctx context.Context, tx repository.Tx, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const sql = `
UPDATE jobs SET cancel_requested = TRUE
 WHERE id = ANY($1) AND status IN ('created', 'running') AND NOT cancel_requested;`
	return r.exec(ctx, tx, "request cancel", sql, ids)
}

func (r *JobRepo) RequestGroupCancel(ctx context.Context, tx repository.Tx, groupID string) (int64, error) {
	const sql = `
UPDATE jobs SET cancel_requested = TRUE
 WHERE group_id = $1 AND status IN ('created', 'running') AND NOT cancel_requested;`
	return r.exec(ctx, tx, "request group cancel", sql, groupID)
}

func (r *JobRepo) exec(ctx context.Context, tx repository.Tx, op, sql string, args ...interface{}) (int64, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return 0, err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, mapErr(op, err)
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepo) queryOne(ctx context.Context, tx repository.Tx, op, sql string, args ...interface{}) (*model.Job, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, mapErr(op, err)
	}
	return job, nil
}

func (r *JobRepo) queryMany(ctx context.Context, tx repository.Tx, op, sql string, args ...interface{}) ([]*model.Job, error) {
	q, err := getExecutor(r.pool, tx)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j                 model.Job
		queueType, status string
		groupID, worker   *string
		timeoutMs, ver    int64
	)
	err := row.Scan(
		&j.ID, &queueType, &groupID, &j.IdempotencyKey, &j.Definition, &j.Result, &status,
		&j.Priority, &j.UnitID, &worker, &j.HeartbeatAt, &timeoutMs, &j.StartedAt, &j.EndedAt,
		&j.CreatedAt, &j.CancelRequested, &ver,
	)
	if err != nil {
		return nil, err
	}
	j.QueueType = model.QueueType(queueType)
	j.Status = model.Status(status)
	if groupID != nil {
		j.GroupID = *groupID
	}
	if worker != nil {
		j.Worker = *worker
	}
	j.HeartbeatTimeout = time.Duration(timeoutMs) * time.Millisecond
	j.Version = model.Version(ver)
	return &j, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
