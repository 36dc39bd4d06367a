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

var _ repository.OrphanRepository = (*orphanRepo)(nil)

type orphanRepo struct{ pool *pgxpool.Pool }

func NewOrphanRepo(pool *pgxpool.Pool) *orphanRepo {
	return &orphanRepo{pool: pool}
}

func (r *orphanRepo) Save(ctx context.Context, tx repository.Tx, o *model.OrphanConfirmation) error {
	const q = `
INSERT INTO orphan_confirmations (id, provider, channel, raw_reference, provider_txn_id, reported_amount, reason, received_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	_, err := execSQL(ctx, r.pool, tx, q, o.ID, o.Provider, o.Channel, o.RawReference, o.ProviderTxnID, o.ReportedAmount, o.Reason, o.ReceivedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *orphanRepo) ListRecent(ctx context.Context, tx repository.Tx, limit int) ([]*model.OrphanConfirmation, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, provider, channel, raw_reference, provider_txn_id, reported_amount, reason, received_at FROM orphan_confirmations ORDER BY received_at DESC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()

	var out []*model.OrphanConfirmation
	for rows.Next() {
		o := new(model.OrphanConfirmation)
		if err := rows.Scan(&o.ID, &o.Provider, &o.Channel, &o.RawReference, &o.ProviderTxnID, &o.ReportedAmount, &o.Reason, &o.ReceivedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrNotFound
			}
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, o)
	}
	return out, nil
}
