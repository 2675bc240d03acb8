package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"job-coordinator/internal/domain"

	"github.com/oklog/ulid/v2"
)

// QueueType is the category a job belongs to. Workers only claim jobs of the
// queue types they poll.
type QueueType string

const (
	QueueTypeImport    QueueType = "import"
	QueueTypeReindex   QueueType = "reindex"
	QueueTypeStoreCopy QueueType = "store_copy"
)

func (q QueueType) Valid() bool {
	switch q {
	case QueueTypeImport, QueueTypeReindex, QueueTypeStoreCopy:
		return true
	}
	return false
}

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the complete table of permitted status changes.
// Running -> Running is a reclaim of an expired lease.
var transitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Version is the per-record concurrency token. Callers only compare it for
// equality; stores assign a new value on every versioned write.
type Version int64

const InitialVersion Version = 1

// Job is the unit of work.
type Job struct {
	ID             string
	QueueType      QueueType
	GroupID        string
	IdempotencyKey string
	Definition     []byte
	Result         []byte
	Status         Status

	// Priority and UnitID form the ordering key; lower runs first, ties are
	// broken by ID.
	Priority int64
	UnitID   int64

	Worker           string
	HeartbeatAt      *time.Time
	HeartbeatTimeout time.Duration
	StartedAt        *time.Time
	EndedAt          *time.Time
	CreatedAt        time.Time

	CancelRequested bool
	Version         Version
}

// NewJob validates and constructs a Created job.
func NewJob(queueType QueueType, definition []byte, groupID, idempotencyKey string, now time.Time) (*Job, error) {
	if !queueType.Valid() {
		return nil, fmt.Errorf("queue type %q: %w", queueType, domain.ErrInvalidArgument)
	}
	if len(definition) == 0 {
		return nil, fmt.Errorf("empty definition: %w", domain.ErrInvalidArgument)
	}
	if idempotencyKey == "" {
		idempotencyKey = DefinitionHash(definition)
	}
	return &Job{
		ID:             NewJobID(now),
		QueueType:      queueType,
		GroupID:        groupID,
		IdempotencyKey: idempotencyKey,
		Definition:     definition,
		Status:         StatusCreated,
		CreatedAt:      now,
		Version:        InitialVersion,
	}, nil
}

// NewJobID returns a lexically sortable ID, so ID order follows creation order.
func NewJobID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// DefinitionHash is the default idempotency key for a definition.
func DefinitionHash(definition []byte) string {
	sum := sha256.Sum256(definition)
	return hex.EncodeToString(sum[:])
}

func (j *Job) IsOrchestrator() bool { return j.GroupID != "" && j.GroupID == j.ID }

func (j *Job) IsChild() bool { return j.GroupID != "" && j.GroupID != j.ID }

// Clone returns a deep copy so stores and callers never share mutable state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Definition = cloneBytes(j.Definition)
	cp.Result = cloneBytes(j.Result)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.EndedAt = cloneTime(j.EndedAt)
	return &cp
}

// LeaseExpired reports whether the holder's heartbeat is older than timeout.
func (j *Job) LeaseExpired(now time.Time, timeout time.Duration) bool {
	if j.Status != StatusRunning {
		return false
	}
	if j.HeartbeatAt == nil {
		return true
	}
	return j.HeartbeatAt.Before(now.Add(-timeout))
}

// HeldBy reports whether workerID currently holds a live lease on the job.
func (j *Job) HeldBy(workerID string, now time.Time) bool {
	return j.Status == StatusRunning && j.Worker == workerID && !j.LeaseExpired(now, j.HeartbeatTimeout)
}

// Claimable reports whether the job matches the claim selection predicate.
func (j *Job) Claimable(staleBefore time.Time) bool {
	switch j.Status {
	case StatusCreated:
		return true
	case StatusRunning:
		return j.HeartbeatAt == nil || j.HeartbeatAt.Before(staleBefore)
	}
	return false
}

// Claim returns the job as it looks after workerID takes the lease. The
// receiver is left untouched; Version is bumped by the store on write.
func (j *Job) Claim(workerID string, now time.Time, heartbeatTimeout time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("empty worker id: %w", domain.ErrInvalidArgument)
	}
	if !CanTransition(j.Status, StatusRunning) {
		return nil, fmt.Errorf("claim %s from %s: %w", j.ID, j.Status, domain.ErrInvalidTransition)
	}
	next := j.Clone()
	next.Status = StatusRunning
	next.Worker = workerID
	next.StartedAt = &now
	next.HeartbeatAt = &now
	next.HeartbeatTimeout = heartbeatTimeout
	return next, nil
}

// Finish returns the job moved to a terminal status with its result.
func (j *Job) Finish(status Status, result []byte, now time.Time) (*Job, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finish %s with %s: %w", j.ID, status, domain.ErrInvalidTransition)
	}
	if !CanTransition(j.Status, status) {
		return nil, fmt.Errorf("finish %s from %s to %s: %w", j.ID, j.Status, status, domain.ErrInvalidTransition)
	}
	if j.Result != nil {
		return nil, fmt.Errorf("result of %s already written: %w", j.ID, domain.ErrInvalidTransition)
	}
	next := j.Clone()
	next.Status = status
	next.Result = cloneBytes(result)
	next.EndedAt = &now
	return next, nil
}

// ApplyUpdate validates a caller-supplied replacement of stored against the
// immutability rules and returns the record to write. Only Priority, UnitID
// and the cancellation flag may change. Status and Result belong to the lease
// manager's claim and terminal writes.
func ApplyUpdate(stored, desired *Job) (*Job, error) {
	if desired.QueueType != stored.QueueType || desired.GroupID != stored.GroupID ||
		desired.IdempotencyKey != stored.IdempotencyKey {
		return nil, fmt.Errorf("identity of %s is immutable: %w", stored.ID, domain.ErrInvalidArgument)
	}
	if string(desired.Definition) != string(stored.Definition) {
		return nil, fmt.Errorf("definition of %s is immutable: %w", stored.ID, domain.ErrInvalidTransition)
	}
	if desired.Status != stored.Status {
		return nil, fmt.Errorf("%s -> %s outside the lease manager: %w", stored.Status, desired.Status, domain.ErrInvalidTransition)
	}
	if string(desired.Result) != string(stored.Result) {
		return nil, fmt.Errorf("result of %s is written only by the owning worker: %w", stored.ID, domain.ErrInvalidTransition)
	}
	if stored.CancelRequested && !desired.CancelRequested {
		return nil, fmt.Errorf("cancellation of %s cannot be withdrawn: %w", stored.ID, domain.ErrInvalidArgument)
	}

	next := stored.Clone()
	next.CancelRequested = desired.CancelRequested
	next.Priority = desired.Priority
	next.UnitID = desired.UnitID
	return next, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
