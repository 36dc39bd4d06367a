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

var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct{ pool *pgxpool.Pool }

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subCols = `id, user_id, plan_id, status, starts_at, expires_at, payment_id, created_at, updated_at`

func (r *subscriptionRepo) Save(ctx context.Context, tx repository.Tx, s *model.UserSubscription) error {
	const q = `
INSERT INTO user_subscriptions (` + subCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET
  status=$4, starts_at=$5, expires_at=$6, updated_at=$9;`
	_, err := execSQL(ctx, r.pool, tx, q, s.ID, s.UserID, s.PlanID, s.Status, s.StartsAt, s.ExpiresAt, s.PaymentID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if err == domain.ErrInvalidArgument || err == domain.ErrInvalidExecContext {
			return err
		}
		return domain.ErrOperationFailed
	}
	return nil
}

func (r *subscriptionRepo) FindActiveByUser(ctx context.Context, tx repository.Tx, userID string) (*model.UserSubscription, error) {
	const q = `SELECT ` + subCols + ` FROM user_subscriptions WHERE user_id=$1 AND status='active' AND expires_at > NOW() ORDER BY expires_at DESC LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, userID)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func (r *subscriptionRepo) FindByPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.UserSubscription, error) {
	const q = `SELECT ` + subCols + ` FROM user_subscriptions WHERE payment_id=$1 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, paymentID)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func scanSubscription(row pgx.Row) (*model.UserSubscription, error) {
	s := &model.UserSubscription{}
	if err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &s.Status, &s.StartsAt, &s.ExpiresAt, &s.PaymentID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return s, nil
}
