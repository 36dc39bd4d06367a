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

var _ repository.PlanRepository = (*planRepo)(nil)

type planRepo struct{ pool *pgxpool.Pool }

func NewPlanRepo(pool *pgxpool.Pool) *planRepo {
	return &planRepo{pool: pool}
}

const planCols = `id, name, price_monthly, price_yearly, currency, duration_days, active, created_at, updated_at`

func (r *planRepo) Save(ctx context.Context, tx repository.Tx, p *model.SubscriptionPlan) error {
	const q = `
INSERT INTO subscription_plans (` + planCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  name=$2, price_monthly=$3, price_yearly=$4, currency=$5, duration_days=$6, active=$7, updated_at=$9;`
	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.Name, p.PriceMonthly, p.PriceYearly, p.Currency, p.DurationDays, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *planRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.SubscriptionPlan, error) {
	const q = `SELECT ` + planCols + ` FROM subscription_plans WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPlan(row)
}

func (r *planRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.SubscriptionPlan, error) {
	const q = `SELECT ` + planCols + ` FROM subscription_plans WHERE active ORDER BY price_monthly ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		switch err {
		case domain.ErrInvalidArgument, domain.ErrInvalidExecContext:
			return nil, err
		default:
			return nil, domain.ErrOperationFailed
		}
	}
	defer rows.Close()

	var out []*model.SubscriptionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func scanPlan(row pgx.Row) (*model.SubscriptionPlan, error) {
	p := &model.SubscriptionPlan{}
	if err := row.Scan(&p.ID, &p.Name, &p.PriceMonthly, &p.PriceYearly, &p.Currency, &p.DurationDays, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return p, nil
}
