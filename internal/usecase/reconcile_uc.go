package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/logging"
	"subscription-billing/internal/infra/metrics"
)

// GatewayRegistry looks up the adapter for a provider name.
type GatewayRegistry interface {
	ForProvider(name string) (adapter.GatewayAdapter, bool)
}

// ReplayCache is an advisory fast path in front of the ledger for duplicate
// webhook storms. Correctness never depends on it; the unique index on the
// ledger remains the single gate.
type ReplayCache interface {
	Seen(ctx context.Context, intentID, providerTxnID string) bool
	MarkSeen(ctx context.Context, intentID, providerTxnID string)
}

type ReconcileOutcome string

const (
	OutcomeActivated    ReconcileOutcome = "activated"
	OutcomeReplay       ReconcileOutcome = "replay"
	OutcomeAwaiting     ReconcileOutcome = "awaiting_verification"
	OutcomeRejected     ReconcileOutcome = "rejected"
	OutcomeOrphaned     ReconcileOutcome = "orphaned"
	OutcomeDiscarded    ReconcileOutcome = "discarded"
	OutcomeUnverifiable ReconcileOutcome = "verification_failed"
)

type ReconcileResult struct {
	Outcome      ReconcileOutcome
	Intent       *model.PaymentIntent
	Confirmation *model.PaymentConfirmation
}

// errReplayRollback forces a transaction rollback when the ledger insert
// collides mid-flight, so the verifying flip never commits. Mapped back to
// OutcomeReplay by Apply; never escapes this package.
var errReplayRollback = errors.New("ledger insert collided; rolling back")

// Compile-time check
var _ ReconcileUseCase = (*reconcileUC)(nil)

type ReconcileUseCase interface {
	// Reconcile runs the full pipeline for a raw provider signal:
	// normalize, verify, correlate, transition.
	Reconcile(ctx context.Context, raw model.RawConfirmation) (*ReconcileResult, error)
	// Apply reconciles an already-normalized confirmation (polling path).
	Apply(ctx context.Context, conf *model.PaymentConfirmation) (*ReconcileResult, error)
	// PollIntent queries the provider's status API for an intent and feeds
	// the result through Apply. Used after unverified redirects and by the
	// stale-intent reconciler.
	PollIntent(ctx context.Context, intentID string) (*ReconcileResult, error)
}

type reconcileUC struct {
	gateways   GatewayRegistry
	resolver   *CorrelationResolver
	intents    repository.IntentRepository
	ledger     repository.LedgerRepository
	orphans    repository.OrphanRepository
	activators ActivatorSet
	tm         repository.TransactionManager
	cache      ReplayCache // may be nil
	log        *zerolog.Logger
}

func NewReconcileUseCase(
	gateways GatewayRegistry,
	resolver *CorrelationResolver,
	intents repository.IntentRepository,
	ledger repository.LedgerRepository,
	orphans repository.OrphanRepository,
	activators ActivatorSet,
	tm repository.TransactionManager,
	cache ReplayCache,
	logger *zerolog.Logger,
) *reconcileUC {
	return &reconcileUC{
		gateways:   gateways,
		resolver:   resolver,
		intents:    intents,
		ledger:     ledger,
		orphans:    orphans,
		activators: activators,
		tm:         tm,
		cache:      cache,
		log:        logger,
	}
}

func (u *reconcileUC) Reconcile(ctx context.Context, raw model.RawConfirmation) (*ReconcileResult, error) {
	gw, ok := u.gateways.ForProvider(raw.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, raw.Provider)
	}

	conf, err := gw.Normalize(raw)
	if err != nil {
		metrics.IncConfirmation(raw.Provider, string(raw.Channel), "malformed")
		u.log.Warn().Str("provider", raw.Provider).Str("channel", string(raw.Channel)).Err(err).Msg("confirmation could not be normalized")
		return &ReconcileResult{Outcome: OutcomeDiscarded}, fmt.Errorf("%w: %v", domain.ErrMalformedConfirmation, err)
	}

	conf.Verified = gw.Verify(ctx, raw, conf)
	if !conf.Verified && conf.Channel == model.ChannelWebhook {
		// Failed signature on an authenticated channel is security-relevant.
		metrics.IncConfirmation(conf.Provider, string(conf.Channel), "verification_failed")
		u.log.Warn().Str("provider", conf.Provider).Str("reference", logging.Redact(conf.RawReference)).Msg("webhook signature verification failed; discarding")
		return &ReconcileResult{Outcome: OutcomeUnverifiable, Confirmation: conf}, nil
	}

	return u.Apply(ctx, conf)
}

func (u *reconcileUC) Apply(ctx context.Context, conf *model.PaymentConfirmation) (*ReconcileResult, error) {
	res, err := u.resolver.Resolve(ctx, nil, conf)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			u.recordOrphan(ctx, conf)
			metrics.IncConfirmation(conf.Provider, string(conf.Channel), "orphan")
			return &ReconcileResult{Outcome: OutcomeOrphaned, Confirmation: conf}, nil
		}
		return nil, err
	}
	intent := res.Intent

	// Degraded correlation never activates off an unauthenticated channel.
	if !res.Exact && conf.Channel == model.ChannelRedirect {
		metrics.IncConfirmation(conf.Provider, string(conf.Channel), "degraded_redirect")
		u.log.Warn().Str("intent_id", intent.ID).Msg("degraded correlation on redirect channel; awaiting authenticated corroboration")
		return &ReconcileResult{Outcome: OutcomeAwaiting, Intent: intent, Confirmation: conf}, nil
	}

	// Fast path for duplicate deliveries; ledger remains authoritative.
	if u.cache != nil && conf.ProviderTxnID != "" && u.cache.Seen(ctx, intent.ID, conf.ProviderTxnID) {
		if entry, err := u.ledger.FindByIntent(ctx, nil, intent.ID); err == nil && entry != nil && entry.ProviderTxnID == conf.ProviderTxnID {
			metrics.IncConfirmation(conf.Provider, string(conf.Channel), "replay")
			return &ReconcileResult{Outcome: OutcomeReplay, Intent: intent, Confirmation: conf}, nil
		}
	}

	start := time.Now()
	result := &ReconcileResult{Intent: intent, Confirmation: conf}
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return u.transition(ctx, tx, result)
	})
	if errors.Is(err, errReplayRollback) {
		result.Outcome = OutcomeReplay
		err = nil
	}
	metrics.ObserveReconcileDuration(conf.Provider, string(result.Outcome), time.Since(start))
	if err != nil {
		return result, err
	}

	if result.Outcome == OutcomeActivated && u.cache != nil && conf.ProviderTxnID != "" {
		u.cache.MarkSeen(ctx, result.Intent.ID, conf.ProviderTxnID)
	}
	metrics.IncConfirmation(conf.Provider, string(conf.Channel), string(result.Outcome))
	return result, nil
}

// transition is the state machine core. It runs inside one transaction: the
// ledger insert, the state flip, and the activation callback become visible
// together or not at all. The intent row is re-read under FOR UPDATE so the
// decision is made against current state, but the concurrency guarantee
// comes from the ledger's unique index, not the lock.
func (u *reconcileUC) transition(ctx context.Context, tx repository.Tx, result *ReconcileResult) error {
	conf := result.Confirmation
	cur, err := u.intents.FindByID(ctx, tx, result.Intent.ID)
	if err != nil {
		return err
	}
	result.Intent = cur

	if cur.Terminal() {
		if cur.State == model.IntentStateActivated {
			entry, err := u.ledger.FindByIntent(ctx, tx, cur.ID)
			if err == nil && entry != nil && entry.ProviderTxnID == conf.ProviderTxnID {
				// Benign replay of the confirmation that won.
				result.Outcome = OutcomeReplay
				return nil
			}
		}
		u.log.Warn().Str("intent_id", cur.ID).Str("state", string(cur.State)).Str("txn_id", conf.ProviderTxnID).Msg("confirmation for terminal intent does not match ledger; discarding")
		result.Outcome = OutcomeDiscarded
		return nil
	}

	if !conf.Verified {
		// Another channel may still confirm this intent later.
		result.Outcome = OutcomeAwaiting
		return nil
	}
	if conf.ProviderTxnID == "" || conf.ReportedAmount == model.AmountUnreported {
		// Verified but not decidable: no txn id to gate on, or no amount to
		// check. Wait for a richer confirmation (poll or webhook).
		result.Outcome = OutcomeAwaiting
		return nil
	}

	if conf.ReportedAmount != cur.ExpectedAmount {
		if _, err := u.intents.UpdateStateIfPending(ctx, tx, cur.ID, model.IntentStateRejected, &conf.ProviderTxnID, nil); err != nil {
			return err
		}
		cur.State = model.IntentStateRejected
		metrics.IncAmountMismatch(conf.Provider)
		u.log.Error().Str("intent_id", cur.ID).Int64("expected", cur.ExpectedAmount).Int64("reported", conf.ReportedAmount).Msg("amount mismatch; intent rejected, activation withheld")
		result.Outcome = OutcomeRejected
		return nil
	}

	// Mark the row verifying for the duration of the grant; a crash rolls
	// back to pending so a later retry can complete it.
	if ok, err := u.intents.UpdateStateIfPending(ctx, tx, cur.ID, model.IntentStateVerifying, nil, nil); err != nil {
		return err
	} else if !ok {
		result.Outcome = OutcomeReplay
		return nil
	}

	now := time.Now()
	inserted, err := u.ledger.Insert(ctx, tx, &model.LedgerEntry{IntentID: cur.ID, ProviderTxnID: conf.ProviderTxnID, ActivatedAt: now})
	if err != nil {
		return err
	}
	if !inserted {
		// A concurrent confirmation already claimed this pair.
		return errReplayRollback
	}

	if ok, err := u.intents.UpdateStateIfPending(ctx, tx, cur.ID, model.IntentStateActivated, &conf.ProviderTxnID, &now); err != nil {
		return err
	} else if !ok {
		return domain.ErrOperationFailed
	}

	act, ok := u.activators.For(cur.Target.Kind)
	if !ok {
		return fmt.Errorf("%w: no activator for %s", domain.ErrActivationFailed, cur.Target.Kind)
	}
	actCtx := WithPayer(ctx, cur.PayerRef)
	if err := act.Activate(actCtx, tx, cur.Target, cur.ExpectedAmount, conf.Provider, conf.ProviderTxnID, cur.ID); err != nil {
		// Roll back the ledger entry and the state flip together: a paid
		// transaction must never look activated without the grant.
		metrics.IncActivationFailure(conf.Provider)
		return fmt.Errorf("%w: %v", domain.ErrActivationFailed, err)
	}

	cur.State = model.IntentStateActivated
	cur.ProviderTxnID = conf.ProviderTxnID
	cur.ActivatedAt = &now
	metrics.IncActivation(conf.Provider, string(cur.Target.Kind))
	metrics.AddActivatedRevenue(cur.Currency, cur.ExpectedAmount)
	u.log.Info().Str("intent_id", cur.ID).Str("provider", conf.Provider).Str("txn_id", conf.ProviderTxnID).Str("channel", string(conf.Channel)).Msg("intent activated")
	result.Outcome = OutcomeActivated
	return nil
}

func (u *reconcileUC) PollIntent(ctx context.Context, intentID string) (*ReconcileResult, error) {
	intent, err := u.intents.FindByID(ctx, nil, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Terminal() {
		return &ReconcileResult{Outcome: OutcomeReplay, Intent: intent}, nil
	}
	if intent.ProviderTxnID == "" {
		// Never got as far as a provider transaction; nothing to poll.
		return &ReconcileResult{Outcome: OutcomeAwaiting, Intent: intent}, nil
	}
	gw, ok := u.gateways.ForProvider(intent.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, intent.Provider)
	}
	poller, ok := gw.(adapter.StatusPoller)
	if !ok {
		return &ReconcileResult{Outcome: OutcomeAwaiting, Intent: intent}, nil
	}

	conf, err := poller.PollStatus(ctx, intent.ProviderTxnID, intent.ExpectedAmount)
	if err != nil {
		if errors.Is(err, domain.ErrVerificationFailed) {
			// Provider says not paid (or not yet); leave the intent pending.
			u.log.Debug().Str("intent_id", intent.ID).Err(err).Msg("status poll not confirmable")
			return &ReconcileResult{Outcome: OutcomeAwaiting, Intent: intent}, nil
		}
		return nil, err
	}
	return u.Apply(ctx, conf)
}

func (u *reconcileUC) recordOrphan(ctx context.Context, conf *model.PaymentConfirmation) {
	o := &model.OrphanConfirmation{
		ID:             uuid.NewString(),
		Provider:       conf.Provider,
		Channel:        conf.Channel,
		RawReference:   conf.RawReference,
		ProviderTxnID:  conf.ProviderTxnID,
		ReportedAmount: conf.ReportedAmount,
		Reason:         "no matching intent",
		ReceivedAt:     time.Now(),
	}
	if err := u.orphans.Save(ctx, nil, o); err != nil {
		u.log.Error().Err(err).Str("provider", conf.Provider).Msg("failed to record orphan confirmation")
		return
	}
	u.log.Info().Str("provider", conf.Provider).Str("reference", logging.Redact(conf.RawReference)).Msg("orphan confirmation recorded")
}
