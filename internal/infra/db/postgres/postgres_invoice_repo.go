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

var _ repository.InvoiceRepository = (*invoiceRepo)(nil)

type invoiceRepo struct{ pool *pgxpool.Pool }

func NewInvoiceRepo(pool *pgxpool.Pool) *invoiceRepo {
	return &invoiceRepo{pool: pool}
}

const invoiceCols = `id, user_id, total_minor, paid_minor, currency, status, issued_at, paid_at`

func (r *invoiceRepo) Save(ctx context.Context, tx repository.Tx, inv *model.Invoice) error {
	const q = `
INSERT INTO invoices (` + invoiceCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  paid_minor=$4, status=$6, paid_at=$8;`
	_, err := execSQL(ctx, r.pool, tx, q, inv.ID, inv.UserID, inv.TotalMinor, inv.PaidMinor, inv.Currency, inv.Status, inv.IssuedAt, inv.PaidAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *invoiceRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Invoice, error) {
	q := `SELECT ` + invoiceCols + ` FROM invoices WHERE id=$1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	inv := &model.Invoice{}
	if err := row.Scan(&inv.ID, &inv.UserID, &inv.TotalMinor, &inv.PaidMinor, &inv.Currency, &inv.Status, &inv.IssuedAt, &inv.PaidAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return inv, nil
}

func (r *invoiceRepo) RecordPayment(ctx context.Context, tx repository.Tx, p *model.InvoicePayment) error {
	const q = `
INSERT INTO invoice_payments (id, invoice_id, amount_minor, provider, provider_txn_id, intent_id, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.InvoiceID, p.AmountMinor, p.Provider, p.ProviderTxnID, p.IntentID, p.RecordedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *invoiceRepo) SumPayments(ctx context.Context, tx repository.Tx, invoiceID string) (int64, error) {
	const q = `SELECT COALESCE(SUM(amount_minor),0) FROM invoice_payments WHERE invoice_id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, invoiceID)
	if err != nil {
		return 0, err
	}
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return sum, nil
}
