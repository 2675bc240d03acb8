package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/model"
)

// Handler runs one claimed job. A nil error completes the job with the
// returned result. Any other error fails it, unless the job's context was
// cancelled because cancellation was requested, in which case the job is
// recorded as cancelled.
//
// The job's context is also cancelled when the lease is lost or the process
// shuts down; nothing is written for the job in either case.
type Handler interface {
	Handle(ctx context.Context, job *model.Job) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, job *model.Job) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	return f(ctx, job)
}

// Registry maps queue types to their handler. The runner polls exactly the
// registered queue types.
type Registry struct {
	handlers map[model.QueueType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.QueueType]Handler)}
}

func (r *Registry) Register(q model.QueueType, h Handler) error {
	if !q.Valid() {
		return fmt.Errorf("queue type %q: %w", q, domain.ErrInvalidArgument)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s: %w", q, domain.ErrInvalidArgument)
	}
	if _, ok := r.handlers[q]; ok {
		return fmt.Errorf("handler for %s: %w", q, domain.ErrAlreadyExists)
	}
	r.handlers[q] = h
	return nil
}

func (r *Registry) Lookup(q model.QueueType) (Handler, bool) {
	h, ok := r.handlers[q]
	return h, ok
}

func (r *Registry) QueueTypes() []model.QueueType {
	out := make([]model.QueueType, 0, len(r.handlers))
	for q := range r.handlers {
		out = append(out, q)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}

type groupFailure struct{ err error }

func (g *groupFailure) Error() string { return g.err.Error() }
func (g *groupFailure) Unwrap() error { return g.err }

// FailGroup marks a handler error so that the failure also requests
// cancellation of every other job in the job's group.
func FailGroup(err error) error {
	if err == nil {
		return nil
	}
	return &groupFailure{err: err}
}

func isGroupFailure(err error) bool {
	var g *groupFailure
	return errors.As(err, &g)
}
