// Package memory is an in-process job record store for development and unit
// tests. It honors the same ordering and conditional-write contracts as the
// Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"
)

var (
	_ repository.TransactionManager     = (*Store)(nil)
	_ repository.JobRepository          = (*Store)(nil)
	_ repository.QueueControlRepository = (*Store)(nil)
)

// Store keeps jobs in maps guarded by one mutex. A transaction holds the mutex
// for its whole duration and restores a snapshot when fn fails.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	keys    map[string]string // queueType|idempotencyKey -> job id
	stopped map[model.QueueType]bool
}

type memTx struct {
	store *Store
}

func New() *Store {
	return &Store{
		jobs:    make(map[string]*model.Job),
		keys:    make(map[string]string),
		stopped: make(map[model.QueueType]bool),
	}
}

// WithTx runs fn with the store locked. Records are replaced, never mutated in
// place, so a shallow copy of the maps is a valid snapshot. Nothing is kept
// when fn fails or ctx is done by the time fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make(map[string]*model.Job, len(s.jobs))
	for k, v := range s.jobs {
		jobs[k] = v
	}
	keys := make(map[string]string, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}

	err := fn(ctx, &memTx{store: s})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.jobs = jobs
		s.keys = keys
		return err
	}
	return nil
}

// enter locks the store unless the caller already runs inside one of its transactions.
func (s *Store) enter(tx repository.Tx) (func(), error) {
	switch v := tx.(type) {
	case nil:
		s.mu.Lock()
		return s.mu.Unlock, nil
	case *memTx:
		if v.store != s {
			return nil, domain.ErrInvalidExecContext
		}
		return func() {}, nil
	default:
		return nil, domain.ErrInvalidExecContext
	}
}

func idemKey(q model.QueueType, key string) string { return string(q) + "|" + key }

func (s *Store) Insert(_ context.Context, tx repository.Tx, job *model.Job) error {
	leave, err := s.enter(tx)
	if err != nil {
		return err
	}
	defer leave()

	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrAlreadyExists
	}
	k := idemKey(job.QueueType, job.IdempotencyKey)
	if _, ok := s.keys[k]; ok {
		return domain.ErrAlreadyExists
	}
	if job.Version == 0 {
		job.Version = model.InitialVersion
	}
	s.jobs[job.ID] = job.Clone()
	s.keys[k] = job.ID
	return nil
}

func (s *Store) FindByID(_ context.Context, tx repository.Tx, id string) (*model.Job, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return nil, err
	}
	defer leave()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, tx repository.Tx, queueType model.QueueType, key string) (*model.Job, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return nil, err
	}
	defer leave()

	id, ok := s.keys[idemKey(queueType, key)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.jobs[id].Clone(), nil
}

func (s *Store) ListByGroup(_ context.Context, tx repository.Tx, groupID string) ([]*model.Job, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return nil, err
	}
	defer leave()

	var out []*model.Job
	for _, j := range s.jobs {
		if groupID != "" && j.GroupID == groupID {
			out = append(out, j.Clone())
		}
	}
	model.SortByCreation(out)
	return out, nil
}

func (s *Store) List(_ context.Context, tx repository.Tx, f repository.JobFilter) ([]*model.Job, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return nil, err
	}
	defer leave()

	var out []*model.Job
	for _, j := range s.jobs {
		if f.QueueType != "" && j.QueueType != f.QueueType {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.CancelRequested != nil && j.CancelRequested != *f.CancelRequested {
			continue
		}
		if f.OrchestratorsOnly && !j.IsOrchestrator() {
			continue
		}
		if !f.HeartbeatBefore.IsZero() && (j.HeartbeatAt == nil || !j.HeartbeatAt.Before(f.HeartbeatBefore)) {
			continue
		}
		out = append(out, j.Clone())
	}
	model.SortByCreation(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) SelectClaimable(_ context.Context, tx repository.Tx, queueType model.QueueType, staleBefore time.Time, limit int) ([]*model.Job, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return nil, err
	}
	defer leave()

	var candidates []*model.Job
	for _, j := range s.jobs {
		if j.QueueType == queueType && j.Claimable(staleBefore) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*model.Job, len(candidates))
	for i, j := range candidates {
		out[i] = j.Clone()
	}
	return out, nil
}

func guardHolds(cur *model.Job, g repository.Guard) bool {
	if cur.Version != g.Version {
		return false
	}
	if g.Worker != "" && cur.Worker != g.Worker {
		return false
	}
	if g.Status != "" && cur.Status != g.Status {
		return false
	}
	if !g.FreshAfter.IsZero() && (cur.HeartbeatAt == nil || cur.HeartbeatAt.Before(g.FreshAfter)) {
		return false
	}
	if !g.ClaimableBefore.IsZero() && !cur.Claimable(g.ClaimableBefore) {
		return false
	}
	return true
}

func (s *Store) Save(_ context.Context, tx repository.Tx, job *model.Job, guard repository.Guard) (int64, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return 0, err
	}
	defer leave()

	cur, ok := s.jobs[job.ID]
	if !ok || !guardHolds(cur, guard) {
		return 0, nil
	}

	next := cur.Clone()
	next.Status = job.Status
	next.Result = job.Result
	next.Priority = job.Priority
	next.UnitID = job.UnitID
	next.Worker = job.Worker
	next.HeartbeatAt = job.HeartbeatAt
	next.HeartbeatTimeout = job.HeartbeatTimeout
	next.StartedAt = job.StartedAt
	next.EndedAt = job.EndedAt
	next.CancelRequested = cur.CancelRequested || job.CancelRequested
	next.Version = cur.Version + 1

	s.jobs[job.ID] = next.Clone()
	job.Version = next.Version
	return 1, nil
}

func (s *Store) TouchHeartbeat(_ context.Context, tx repository.Tx, id, workerID string, now time.Time) (bool, int64, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return false, 0, err
	}
	defer leave()

	cur, ok := s.jobs[id]
	if !ok || cur.Worker != workerID || cur.Status != model.StatusRunning {
		return false, 0, nil
	}
	next := cur.Clone()
	next.HeartbeatAt = &now
	s.jobs[id] = next
	return next.CancelRequested, 1, nil
}

func (s *Store) RequestCancel(_ context.Context, tx repository.Tx, ids ...string) (int64, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return 0, err
	}
	defer leave()

	var n int64
	for _, id := range ids {
		if s.markCancel(id) {
			n++
		}
	}
	return n, nil
}

func (s *Store) RequestGroupCancel(_ context.Context, tx repository.Tx, groupID string) (int64, error) {
	leave, err := s.enter(tx)
	if err != nil {
		return 0, err
	}
	defer leave()

	var n int64
	for id, j := range s.jobs {
		if groupID != "" && j.GroupID == groupID && s.markCancel(id) {
			n++
		}
	}
	return n, nil
}

func (s *Store) markCancel(id string) bool {
	cur, ok := s.jobs[id]
	if !ok || cur.Status.Terminal() || cur.CancelRequested {
		return false
	}
	next := cur.Clone()
	next.CancelRequested = true
	s.jobs[id] = next
	return true
}

func (s *Store) IsStopped(_ context.Context, queueType model.QueueType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[queueType], nil
}

func (s *Store) SetStopped(_ context.Context, queueType model.QueueType, stopped bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[queueType] = stopped
	return nil
}
