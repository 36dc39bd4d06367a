package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager provides a thin abstraction to execute a function within
// a database transaction, passing the underlying transaction handle via `tx`.
//
// Repository methods accept `tx Tx` and detect a live transaction handle
// implementation-side (pgx.Tx for Postgres), so use-case interfaces stay
// clean of storage types. Repositories MUST gracefully accept a nil tx
// (non-transactional path).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
