package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

// Activator is the entitlement-granting side effect the engine triggers at
// most once per intent. Implementations write through the same tx handle as
// the engine so the ledger insert, the state flip, and the grant commit or
// roll back together.
type Activator interface {
	Activate(ctx context.Context, tx repository.Tx, target model.Target, amountMinor int64, provider, providerTxnID, intentID string) error
}

// ActivatorSet dispatches to the kind-specific activator.
type ActivatorSet struct {
	Plan    Activator
	Invoice Activator
}

func (s ActivatorSet) For(kind model.TargetKind) (Activator, bool) {
	switch kind {
	case model.TargetPlan:
		return s.Plan, s.Plan != nil
	case model.TargetInvoice:
		return s.Invoice, s.Invoice != nil
	}
	return nil, false
}

// planActivator grants or extends a subscription for the purchased cycle.
type planActivator struct {
	plans repository.PlanRepository
	subs  repository.SubscriptionRepository
	log   *zerolog.Logger
}

func NewPlanActivator(plans repository.PlanRepository, subs repository.SubscriptionRepository, logger *zerolog.Logger) Activator {
	return &planActivator{plans: plans, subs: subs, log: logger}
}

func (a *planActivator) Activate(ctx context.Context, tx repository.Tx, target model.Target, amountMinor int64, provider, providerTxnID, intentID string) error {
	if target.Kind != model.TargetPlan || target.Plan == nil {
		return domain.ErrInvalidArgument
	}
	// Defensive: the engine already guarantees at-most-once, but a grant
	// keyed to this intent existing means there is nothing left to do.
	if existing, err := a.subs.FindByPaymentID(ctx, tx, intentID); err == nil && existing != nil {
		return nil
	}

	plan, err := a.plans.FindByID(ctx, tx, target.Plan.PlanID)
	if err != nil {
		return fmt.Errorf("plan lookup: %w", err)
	}

	days := plan.DurationDays
	if target.Plan.BillingCycle == "yearly" {
		days = plan.DurationDays * 12
	}

	now := time.Now()
	start := now
	// Extend rather than overlap when the payer already has an active cycle.
	if cur, err := a.subs.FindActiveByUser(ctx, tx, payerFromCtx(ctx)); err == nil && cur != nil && cur.ExpiresAt.After(now) {
		start = cur.ExpiresAt
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("subscription lookup: %w", err)
	}

	sub := &model.UserSubscription{
		ID:        uuid.NewString(),
		UserID:    payerFromCtx(ctx),
		PlanID:    plan.ID,
		Status:    model.SubscriptionStatusActive,
		StartsAt:  start,
		ExpiresAt: start.Add(time.Duration(days) * 24 * time.Hour),
		PaymentID: intentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if start.After(now) {
		sub.Status = model.SubscriptionStatusReserved
	}
	if err := a.subs.Save(ctx, tx, sub); err != nil {
		return fmt.Errorf("subscription save: %w", err)
	}
	a.log.Info().Str("intent_id", intentID).Str("plan_id", plan.ID).Str("subscription_id", sub.ID).Msg("plan entitlement granted")
	return nil
}

// invoiceActivator records a payment against the invoice and marks it paid
// once cumulative payments reach the total.
type invoiceActivator struct {
	invoices repository.InvoiceRepository
	log      *zerolog.Logger
}

func NewInvoiceActivator(invoices repository.InvoiceRepository, logger *zerolog.Logger) Activator {
	return &invoiceActivator{invoices: invoices, log: logger}
}

func (a *invoiceActivator) Activate(ctx context.Context, tx repository.Tx, target model.Target, amountMinor int64, provider, providerTxnID, intentID string) error {
	if target.Kind != model.TargetInvoice || target.Invoice == nil {
		return domain.ErrInvalidArgument
	}
	inv, err := a.invoices.FindByID(ctx, tx, target.Invoice.InvoiceID)
	if err != nil {
		return fmt.Errorf("invoice lookup: %w", err)
	}

	now := time.Now()
	if err := a.invoices.RecordPayment(ctx, tx, &model.InvoicePayment{
		ID:            uuid.NewString(),
		InvoiceID:     inv.ID,
		AmountMinor:   amountMinor,
		Provider:      provider,
		ProviderTxnID: providerTxnID,
		IntentID:      intentID,
		RecordedAt:    now,
	}); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	paid, err := a.invoices.SumPayments(ctx, tx, inv.ID)
	if err != nil {
		return fmt.Errorf("sum payments: %w", err)
	}
	inv.PaidMinor = paid
	if paid >= inv.TotalMinor && inv.Status != model.InvoiceStatusPaid {
		inv.Status = model.InvoiceStatusPaid
		inv.PaidAt = &now
	}
	if err := a.invoices.Save(ctx, tx, inv); err != nil {
		return fmt.Errorf("invoice save: %w", err)
	}
	a.log.Info().Str("intent_id", intentID).Str("invoice_id", inv.ID).Int64("paid_minor", paid).Msg("invoice payment recorded")
	return nil
}

// payer identity travels on the context so activators can run on channels
// with no live user session (webhook, expired redirect session).
type payerCtxKey struct{}

func WithPayer(ctx context.Context, payerRef string) context.Context {
	return context.WithValue(ctx, payerCtxKey{}, payerRef)
}

func payerFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(payerCtxKey{}).(string); ok && v != "" {
		return v
	}
	return model.GuestPayer
}
