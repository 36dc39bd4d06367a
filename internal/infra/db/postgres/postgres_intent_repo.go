package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

var _ repository.IntentRepository = (*intentRepo)(nil)

type intentRepo struct{ pool *pgxpool.Pool }

func NewIntentRepo(pool *pgxpool.Pool) *intentRepo {
	return &intentRepo{pool: pool}
}

const intentCols = `id, target_kind, target_id, billing_cycle, coupon_code, payer_ref, provider, expected_amount, currency, state, provider_txn_id, description, callback_url, created_at, updated_at, activated_at`

func (r *intentRepo) Save(ctx context.Context, tx repository.Tx, p *model.PaymentIntent) error {
	const q = `
INSERT INTO payment_intents (
  ` + intentCols + `
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
) ON CONFLICT (id) DO UPDATE SET
  state=$10, provider_txn_id=$11, updated_at=$15, activated_at=$16;`

	var cycle, coupon string
	if p.Target.Kind == model.TargetPlan && p.Target.Plan != nil {
		cycle = p.Target.Plan.BillingCycle
		coupon = p.Target.Plan.CouponCode
	}
	_, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.Target.Kind, p.Target.ID(), cycle, coupon, p.PayerRef, p.Provider,
		p.ExpectedAmount, p.Currency, p.State, p.ProviderTxnID, p.Description,
		p.CallbackURL, p.CreatedAt, p.UpdatedAt, p.ActivatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *intentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentIntent, error) {
	q := `SELECT ` + intentCols + ` FROM payment_intents WHERE id=$1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanIntent(row)
}

func (r *intentRepo) FindByProviderTxnID(ctx context.Context, tx repository.Tx, provider, providerTxnID string) (*model.PaymentIntent, error) {
	q := `SELECT ` + intentCols + ` FROM payment_intents WHERE provider=$1 AND provider_txn_id=$2 LIMIT 1`
	if _, ok := tx.(pgx.Tx); ok {
		q += " FOR UPDATE"
	}
	q += ";"
	row, err := pickRow(ctx, r.pool, tx, q, provider, providerTxnID)
	if err != nil {
		return nil, err
	}
	return scanIntent(row)
}

func (r *intentRepo) FindLatestPendingForTarget(ctx context.Context, tx repository.Tx, kind model.TargetKind, targetID string) (*model.PaymentIntent, error) {
	const q = `SELECT ` + intentCols + ` FROM payment_intents WHERE target_kind=$1 AND target_id=$2 AND state='pending' ORDER BY created_at DESC LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, kind, targetID)
	if err != nil {
		return nil, err
	}
	return scanIntent(row)
}

func (r *intentRepo) UpdateStateIfPending(
	ctx context.Context, tx repository.Tx, id string, state model.IntentState, providerTxnID *string, activatedAt *time.Time,
) (bool, error) {
	const q = `
    UPDATE payment_intents
       SET state = $2,
           provider_txn_id = COALESCE($3, provider_txn_id),
           activated_at = COALESCE($4, activated_at),
           updated_at = NOW()
     WHERE id = $1
       AND state IN ('pending','verifying');`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, string(state), providerTxnID, activatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return false, err
		}
		return false, domain.ErrOperationFailed
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *intentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.PaymentIntent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + intentCols + ` FROM payment_intents WHERE state='pending' AND created_at < $1 ORDER BY created_at ASC LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, olderThan, limit)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()

	var out []*model.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *intentRepo) SumActivatedByPeriod(ctx context.Context, tx repository.Tx, period string) (int64, error) {
	const q = `SELECT COALESCE(SUM(expected_amount),0) FROM payment_intents WHERE state='activated' AND activated_at >= DATE_TRUNC($1, NOW());`
	row, err := pickRow(ctx, r.pool, tx, q, period)
	if err != nil {
		return 0, err
	}
	var sum int64
	if err := row.Scan(&sum); err != nil {
		return 0, domain.ErrReadDatabaseRow
	}
	return sum, nil
}

func scanIntent(row pgx.Row) (*model.PaymentIntent, error) {
	p := &model.PaymentIntent{}
	var kind model.TargetKind
	var targetID, cycle, coupon string
	if err := row.Scan(&p.ID, &kind, &targetID, &cycle, &coupon, &p.PayerRef, &p.Provider,
		&p.ExpectedAmount, &p.Currency, &p.State, &p.ProviderTxnID, &p.Description,
		&p.CallbackURL, &p.CreatedAt, &p.UpdatedAt, &p.ActivatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	switch kind {
	case model.TargetPlan:
		p.Target = model.NewPlanTarget(targetID, cycle, coupon)
	case model.TargetInvoice:
		p.Target = model.NewInvoiceTarget(targetID, p.ExpectedAmount)
	}
	return p, nil
}
