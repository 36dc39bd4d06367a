package repository

import (
	"context"

	"subscription-billing/internal/domain/model"
)

type PlanRepository interface {
	Save(ctx context.Context, tx Tx, p *model.SubscriptionPlan) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.SubscriptionPlan, error)
	ListActive(ctx context.Context, tx Tx) ([]*model.SubscriptionPlan, error)
}

type SubscriptionRepository interface {
	Save(ctx context.Context, tx Tx, s *model.UserSubscription) error
	FindActiveByUser(ctx context.Context, tx Tx, userID string) (*model.UserSubscription, error)
	// FindByPaymentID supports defensive idempotency checks in the activator.
	FindByPaymentID(ctx context.Context, tx Tx, paymentID string) (*model.UserSubscription, error)
}

type InvoiceRepository interface {
	Save(ctx context.Context, tx Tx, inv *model.Invoice) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Invoice, error)
	RecordPayment(ctx context.Context, tx Tx, p *model.InvoicePayment) error
	SumPayments(ctx context.Context, tx Tx, invoiceID string) (int64, error)
}
