//go:build !integration

package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"job-coordinator/internal/domain/model"
	"job-coordinator/internal/domain/ports/repository"
	"job-coordinator/internal/infra/memory"
	"job-coordinator/internal/usecase"

	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(nil)
	return &l
}

// fakeClock only moves when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore wraps the memory store and injects failures into the claim path.
type faultyStore struct {
	*memory.Store

	mu        sync.Mutex
	selectErr error
	saveErr   error
	failSave  int // fail the n-th Save call, 1-based; 0 fails none
	saveCalls int
	onSave    func() // runs after every successful Save
}

func (f *faultyStore) SelectClaimable(ctx context.Context, tx repository.Tx, q model.QueueType, staleBefore time.Time, limit int) ([]*model.Job, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.Store.SelectClaimable(ctx, tx, q, staleBefore, limit)
}

func (f *faultyStore) Save(ctx context.Context, tx repository.Tx, job *model.Job, guard repository.Guard) (int64, error) {
	f.mu.Lock()
	f.saveCalls++
	call := f.saveCalls
	f.mu.Unlock()
	if f.failSave > 0 && call == f.failSave {
		return 0, f.saveErr
	}
	n, err := f.Store.Save(ctx, tx, job, guard)
	if err == nil && f.onSave != nil {
		f.onSave()
	}
	return n, err
}

func (f *faultyStore) SaveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveCalls
}

type harness struct {
	store  *faultyStore
	clock  *fakeClock
	jobs   *usecase.JobUseCase
	lease  *usecase.LeaseManager
	groups *usecase.GroupUseCase
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := &faultyStore{Store: memory.New()}
	clock := newFakeClock()
	logger := newTestLogger()
	return &harness{
		store:  store,
		clock:  clock,
		jobs:   usecase.NewJobUseCase(store, store, clock, logger),
		lease:  usecase.NewLeaseManager(store, store, store, memory.NewLocker(), clock, logger),
		groups: usecase.NewGroupUseCase(store, store, clock, logger),
	}
}

func (h *harness) enqueue(t *testing.T, q model.QueueType, def string) *model.Job {
	t.Helper()
	job, err := h.jobs.Enqueue(context.Background(), model.EnqueueRequest{QueueType: q, Definition: []byte(def)})
	if err != nil {
		t.Fatalf("enqueue %q: %v", def, err)
	}
	return job
}

func (h *harness) claimOne(t *testing.T, q model.QueueType, worker string) *model.Job {
	t.Helper()
	batch, err := h.lease.AcquireBatch(context.Background(), q, 1, defaultTimeout, worker)
	if err != nil {
		t.Fatalf("acquire batch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(batch))
	}
	return batch[0]
}

func (h *harness) mustGet(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.jobs.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return job
}
