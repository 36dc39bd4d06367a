package repository

import (
	"context"
	"time"

	"subscription-billing/internal/domain/model"
)

// IntentRepository persists payment intents. Intents are insert-once,
// update-by-engine-only; nothing ever deletes them.
type IntentRepository interface {
	Save(ctx context.Context, tx Tx, p *model.PaymentIntent) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.PaymentIntent, error)
	FindByProviderTxnID(ctx context.Context, tx Tx, provider, providerTxnID string) (*model.PaymentIntent, error)
	// FindLatestPendingForTarget is the degraded no-token correlation path.
	FindLatestPendingForTarget(ctx context.Context, tx Tx, kind model.TargetKind, targetID string) (*model.PaymentIntent, error)
	// UpdateStateIfPending flips state only when the row is still
	// pending/verifying; returns false when the row already went terminal.
	UpdateStateIfPending(ctx context.Context, tx Tx, id string, state model.IntentState, providerTxnID *string, activatedAt *time.Time) (bool, error)
	ListPendingOlderThan(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.PaymentIntent, error)
	SumActivatedByPeriod(ctx context.Context, tx Tx, period string) (int64, error)
}

// LedgerRepository is the idempotency gate. Insert must be a single atomic
// uniquely-constrained write, never a read-then-write check.
type LedgerRepository interface {
	// Insert returns (false, nil) when the (intent, txn) pair already exists.
	Insert(ctx context.Context, tx Tx, e *model.LedgerEntry) (bool, error)
	FindByIntent(ctx context.Context, tx Tx, intentID string) (*model.LedgerEntry, error)
}

// OrphanRepository records confirmations that matched no intent.
type OrphanRepository interface {
	Save(ctx context.Context, tx Tx, o *model.OrphanConfirmation) error
	ListRecent(ctx context.Context, tx Tx, limit int) ([]*model.OrphanConfirmation, error)
}
