package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/logging"
)

// Resolution is the outcome of correlating a confirmation to an intent.
// Exact resolutions came from the provider txn id or a full token match;
// degraded ones came from the "latest pending for target" fallback and are
// only trusted for authenticated channels.
type Resolution struct {
	Intent *model.PaymentIntent
	Exact  bool
}

// CorrelationResolver maps a confirmation's opaque reference back to the
// pending intent it belongs to.
type CorrelationResolver struct {
	intents  repository.IntentRepository
	plans    repository.PlanRepository
	invoices repository.InvoiceRepository
	log      *zerolog.Logger
}

func NewCorrelationResolver(intents repository.IntentRepository, plans repository.PlanRepository, invoices repository.InvoiceRepository, logger *zerolog.Logger) *CorrelationResolver {
	return &CorrelationResolver{intents: intents, plans: plans, invoices: invoices, log: logger}
}

// Resolve tries, in order: direct lookup by provider transaction id, then
// correlation-token decode with existence validation, then the degraded
// latest-pending fallback for providers that echo no token at all (target
// hints must then be present in the confirmation payload).
// Every failure path is ErrNotFound; a tampered token never resolves to a
// different intent.
func (r *CorrelationResolver) Resolve(ctx context.Context, tx repository.Tx, conf *model.PaymentConfirmation) (*Resolution, error) {
	if conf.ProviderTxnID != "" {
		intent, err := r.intents.FindByProviderTxnID(ctx, tx, conf.Provider, conf.ProviderTxnID)
		if err == nil {
			return &Resolution{Intent: intent, Exact: true}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if conf.RawReference != "" {
		return r.resolveToken(ctx, tx, conf)
	}
	return r.resolveDegraded(ctx, tx, conf)
}

func (r *CorrelationResolver) resolveToken(ctx context.Context, tx repository.Tx, conf *model.PaymentConfirmation) (*Resolution, error) {
	tok, err := parseCorrelationToken(conf.RawReference)
	if err != nil {
		r.log.Debug().Str("provider", conf.Provider).Str("reference", logging.Redact(conf.RawReference)).Msg("correlation token rejected")
		return nil, domain.ErrNotFound
	}

	intent, err := r.intents.FindByID(ctx, tx, conf.RawReference)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	// The stored intent must agree with every decoded segment; a one-character
	// edit anywhere lands here or in FindByID and resolves to nothing.
	if intent.Target.Kind != tok.Kind || intent.Target.ID() != tok.TargetID {
		r.log.Warn().Str("intent_id", intent.ID).Msg("correlation token decodes to a different target than stored")
		return nil, domain.ErrNotFound
	}
	// A token is only valid coming back from the provider it was issued to;
	// a cross-provider echo must not claim the intent.
	if intent.Provider != conf.Provider {
		r.log.Warn().Str("intent_id", intent.ID).Str("provider", conf.Provider).Msg("correlation token presented by a different provider than it was issued to")
		return nil, domain.ErrNotFound
	}
	if err := r.targetExists(ctx, tx, intent.Target); err != nil {
		return nil, err
	}
	return &Resolution{Intent: intent, Exact: true}, nil
}

// resolveDegraded handles providers that return no identifying token on a
// channel. It needs explicit target hints from the adapter payload and picks
// the most recent pending intent for that target. Known-weak: the engine
// refuses to activate on a degraded resolution unless the channel itself is
// authenticated.
func (r *CorrelationResolver) resolveDegraded(ctx context.Context, tx repository.Tx, conf *model.PaymentConfirmation) (*Resolution, error) {
	kind := model.TargetKind(conf.Payload["target_kind"])
	targetID := conf.Payload["target_id"]
	if targetID == "" || (kind != model.TargetPlan && kind != model.TargetInvoice) {
		return nil, domain.ErrNotFound
	}
	intent, err := r.intents.FindLatestPendingForTarget(ctx, tx, kind, targetID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if intent.Provider != conf.Provider {
		return nil, domain.ErrNotFound
	}
	return &Resolution{Intent: intent, Exact: false}, nil
}

func (r *CorrelationResolver) targetExists(ctx context.Context, tx repository.Tx, target model.Target) error {
	var err error
	switch target.Kind {
	case model.TargetPlan:
		_, err = r.plans.FindByID(ctx, tx, target.ID())
	case model.TargetInvoice:
		_, err = r.invoices.FindByID(ctx, tx, target.ID())
	default:
		return domain.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return nil
}
