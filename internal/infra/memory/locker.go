package memory

import (
	"context"
	"sync"

	"job-coordinator/internal/domain/ports/repository"
)

var _ repository.AdvisoryLocker = (*Locker)(nil)

// Locker is a process-local named mutex. It only serializes callers sharing
// the same Locker value.
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

func (l *Locker) Acquire(ctx context.Context, _ repository.Tx, name string) (repository.ReleaseFunc, error) {
	l.mu.Lock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}
