package usecase

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

// Compile-time check
var _ IntentUseCase = (*intentUC)(nil)

type IntentUseCase interface {
	// InitiatePlan creates a pending intent for a plan purchase and returns
	// the intent plus the provider redirect URL.
	InitiatePlan(ctx context.Context, payerRef, planID, billingCycle, couponCode, provider string) (*model.PaymentIntent, string, error)
	// InitiateInvoice creates a pending intent paying down an invoice.
	InitiateInvoice(ctx context.Context, payerRef, invoiceID, provider string) (*model.PaymentIntent, string, error)
	// SumActivatedByPeriod totals activated revenue for the stats endpoint.
	SumActivatedByPeriod(ctx context.Context, period string) (int64, error)
	// ListActivePlans returns the plans currently open for purchase.
	ListActivePlans(ctx context.Context) ([]*model.SubscriptionPlan, error)
}

type intentUC struct {
	intents     repository.IntentRepository
	plans       repository.PlanRepository
	invoices    repository.InvoiceRepository
	gateways    GatewayRegistry
	callbackURL string // base URL; token and provider are appended as query params
	log         *zerolog.Logger
}

func NewIntentUseCase(intents repository.IntentRepository, plans repository.PlanRepository, invoices repository.InvoiceRepository, gateways GatewayRegistry, callbackURL string, logger *zerolog.Logger) *intentUC {
	return &intentUC{intents: intents, plans: plans, invoices: invoices, gateways: gateways, callbackURL: callbackURL, log: logger}
}

func (u *intentUC) InitiatePlan(ctx context.Context, payerRef, planID, billingCycle, couponCode, provider string) (*model.PaymentIntent, string, error) {
	plan, err := u.plans.FindByID(ctx, nil, planID)
	if err != nil {
		return nil, "", err
	}
	amount := plan.PriceMonthly
	if billingCycle == "yearly" {
		amount = plan.PriceYearly
	} else {
		billingCycle = "monthly"
	}
	target := model.NewPlanTarget(planID, billingCycle, couponCode)
	desc := fmt.Sprintf("subscription: %s (%s)", plan.Name, billingCycle)
	return u.initiate(ctx, payerRef, target, provider, amount, plan.Currency, desc)
}

func (u *intentUC) InitiateInvoice(ctx context.Context, payerRef, invoiceID, provider string) (*model.PaymentIntent, string, error) {
	inv, err := u.invoices.FindByID(ctx, nil, invoiceID)
	if err != nil {
		return nil, "", err
	}
	if inv.Status == model.InvoiceStatusPaid {
		return nil, "", fmt.Errorf("%w: invoice already paid", domain.ErrInvalidArgument)
	}
	remaining := inv.TotalMinor - inv.PaidMinor
	target := model.NewInvoiceTarget(invoiceID, remaining)
	desc := fmt.Sprintf("invoice %s balance", invoiceID)
	return u.initiate(ctx, payerRef, target, provider, remaining, inv.Currency, desc)
}

func (u *intentUC) initiate(ctx context.Context, payerRef string, target model.Target, provider string, amount int64, currency, description string) (*model.PaymentIntent, string, error) {
	gw, ok := u.gateways.ForProvider(provider)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
	}
	if amount <= 0 {
		return nil, "", fmt.Errorf("%w: non-positive amount", domain.ErrInvalidArgument)
	}

	now := time.Now()
	tok, err := newCorrelationToken(target, now)
	if err != nil {
		return nil, "", err
	}
	cb := u.confirmationURL(provider, tok.String())

	if payerRef == "" {
		payerRef = model.GuestPayer
	}
	intent := &model.PaymentIntent{
		ID:             tok.String(),
		Target:         target,
		PayerRef:       payerRef,
		Provider:       provider,
		ExpectedAmount: amount,
		Currency:       currency,
		State:          model.IntentStatePending,
		Description:    description,
		CallbackURL:    cb,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// Persist before talking to the provider: a crash after the provider call
	// must still leave a row for the confirmation to correlate against.
	if err := u.intents.Save(ctx, nil, intent); err != nil {
		return nil, "", err
	}

	txnID, payURL, err := gw.RequestPayment(ctx, amount, currency, description, cb, tok.String())
	if err != nil {
		u.log.Error().Str("intent_id", intent.ID).Str("provider", provider).Err(err).Msg("provider payment request failed")
		return nil, "", err
	}
	intent.ProviderTxnID = txnID
	intent.UpdatedAt = time.Now()
	if err := u.intents.Save(ctx, nil, intent); err != nil {
		return nil, "", err
	}

	u.log.Info().Str("intent_id", intent.ID).Str("provider", provider).Str("txn_id", txnID).Int64("amount", amount).Msg("payment intent initiated")
	return intent, payURL, nil
}

// confirmationURL appends the provider and correlation token to the
// configured callback base so redirects identify themselves even when the
// provider echoes nothing of its own.
func (u *intentUC) confirmationURL(provider, token string) string {
	parsed, err := url.Parse(u.callbackURL)
	if err != nil {
		return u.callbackURL
	}
	q := parsed.Query()
	q.Set("provider", provider)
	q.Set("token", token)
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func (u *intentUC) SumActivatedByPeriod(ctx context.Context, period string) (int64, error) {
	return u.intents.SumActivatedByPeriod(ctx, nil, period)
}

func (u *intentUC) ListActivePlans(ctx context.Context) ([]*model.SubscriptionPlan, error) {
	return u.plans.ListActive(ctx, nil)
}
