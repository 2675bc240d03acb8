package repository

import "context"

// ReleaseFunc gives back a lock obtained from an AdvisoryLocker.
type ReleaseFunc func(ctx context.Context) error

// AdvisoryLocker serializes cooperating parties on a named resource. Locks
// are held only across a short critical section; a transaction-scoped
// implementation may release on commit and return a no-op ReleaseFunc.
type AdvisoryLocker interface {
	Acquire(ctx context.Context, tx Tx, name string) (ReleaseFunc, error)
}
