package repository

import (
	"context"
)

type Tx interface{}

var NoTX interface{}

// TransactionManager provides a thin abstraction to execute a function within a
// store transaction, passing the underlying transaction handle via `tx`.
//
// The concrete type of `tx` is infra-defined (pgx.Tx for Postgres, a snapshot
// handle for the in-memory store). Repositories MUST accept a nil tx
// (non-transactional path). If fn returns an error every write made through tx
// is rolled back.
type TransactionManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
