package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

var _ repository.LedgerRepository = (*ledgerRepo)(nil)

// ledgerRepo persists the idempotency ledger. The unique composite index on
// (intent_id, provider_txn_id) is the correctness-critical artifact of the
// whole engine; Insert is a single atomic write, never check-then-insert.
type ledgerRepo struct{ pool *pgxpool.Pool }

func NewLedgerRepo(pool *pgxpool.Pool) *ledgerRepo {
	return &ledgerRepo{pool: pool}
}

func (r *ledgerRepo) Insert(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) (bool, error) {
	const q = `
INSERT INTO activation_ledger (intent_id, provider_txn_id, activated_at)
VALUES ($1, $2, $3)
ON CONFLICT (intent_id, provider_txn_id) DO NOTHING;`

	cmd, err := execSQL(ctx, r.pool, tx, q, e.IntentID, e.ProviderTxnID, e.ActivatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *ledgerRepo) FindByIntent(ctx context.Context, tx repository.Tx, intentID string) (*model.LedgerEntry, error) {
	const q = `SELECT intent_id, provider_txn_id, activated_at FROM activation_ledger WHERE intent_id=$1 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, intentID)
	if err != nil {
		return nil, err
	}
	e := &model.LedgerEntry{}
	if err := row.Scan(&e.IntentID, &e.ProviderTxnID, &e.ActivatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return e, nil
}
