package postgres

import (
	"context"
	"fmt"

	"job-coordinator/internal/domain"
	"job-coordinator/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/spaolacci/murmur3"
)

var _ repository.AdvisoryLocker = AdvisoryLocker{}

// AdvisoryLocker takes a transaction-scoped Postgres advisory lock. The lock
// is released by the server when the transaction ends, so Acquire must run
// inside TxManager.WithTx and the returned release is a no-op.
type AdvisoryLocker struct{}

func (AdvisoryLocker) Acquire(ctx context.Context, tx repository.Tx, name string) (repository.ReleaseFunc, error) {
	ptx, ok := tx.(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("advisory lock %s outside a transaction: %w", name, domain.ErrInvalidExecContext)
	}
	if _, err := ptx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", LockKey(name)); err != nil {
		return nil, mapErr("advisory lock "+name, err)
	}
	return func(context.Context) error { return nil }, nil
}

// LockKey maps a lock name onto the bigint key space of pg advisory locks.
func LockKey(name string) int64 {
	return int64(murmur3.Sum64([]byte(name)))
}
