//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/usecase"
)

// reconcileDeps holds all the mock dependencies for the reconcile engine tests.
type reconcileDeps struct {
	intents  *MockIntentRepo
	ledger   *MockLedgerRepo
	orphans  *MockOrphanRepo
	plans    *MockPlanRepo
	subs     *MockSubscriptionRepo
	invoices *MockInvoiceRepo
	gateway  *MockGateway
	tm       *MockTxManager
	cache    *MockReplayCache
	uc       usecase.ReconcileUseCase
}

func newReconcileDeps() *reconcileDeps {
	logger := newTestLogger()
	d := &reconcileDeps{
		intents:  NewMockIntentRepo(),
		ledger:   NewMockLedgerRepo(),
		orphans:  NewMockOrphanRepo(),
		plans:    NewMockPlanRepo(),
		subs:     NewMockSubscriptionRepo(),
		invoices: NewMockInvoiceRepo(),
		gateway:  &MockGateway{},
		tm:       NewMockTxManager(),
		cache:    NewMockReplayCache(),
	}
	resolver := usecase.NewCorrelationResolver(d.intents, d.plans, d.invoices, logger)
	activators := usecase.ActivatorSet{
		Plan:    usecase.NewPlanActivator(d.plans, d.subs, logger),
		Invoice: usecase.NewInvoiceActivator(d.invoices, logger),
	}
	d.uc = usecase.NewReconcileUseCase(
		NewMockRegistry(d.gateway), resolver, d.intents, d.ledger, d.orphans, activators, d.tm, d.cache, logger,
	)
	return d
}

const (
	planToken    = "plan_gold_1700000000_abcd1234"
	invoiceToken = "invoice_inv-7_1700000000_xyz01234"
)

func (d *reconcileDeps) seedPlan(ctx context.Context) {
	d.plans.Save(ctx, nil, &model.SubscriptionPlan{
		ID: "gold", Name: "Gold", PriceMonthly: 50000, Currency: "IRR", DurationDays: 30, Active: true,
	})
}

func (d *reconcileDeps) seedPlanIntent(ctx context.Context, txnID string) *model.PaymentIntent {
	d.seedPlan(ctx)
	intent := &model.PaymentIntent{
		ID:             planToken,
		Target:         model.NewPlanTarget("gold", "monthly", ""),
		PayerRef:       "user-1",
		Provider:       "mockpay",
		ExpectedAmount: 50000,
		Currency:       "IRR",
		State:          model.IntentStatePending,
		ProviderTxnID:  txnID,
		CreatedAt:      time.Now().Add(-time.Minute),
		UpdatedAt:      time.Now().Add(-time.Minute),
	}
	d.intents.Save(ctx, nil, intent)
	return intent
}

func (d *reconcileDeps) seedInvoiceIntent(ctx context.Context) *model.PaymentIntent {
	d.invoices.Save(ctx, nil, &model.Invoice{
		ID: "inv-7", UserID: "user-1", TotalMinor: 120000, Currency: "IRR",
		Status: model.InvoiceStatusOpen, IssuedAt: time.Now().Add(-time.Hour),
	})
	intent := &model.PaymentIntent{
		ID:             invoiceToken,
		Target:         model.NewInvoiceTarget("inv-7", 120000),
		PayerRef:       "user-1",
		Provider:       "mockpay",
		ExpectedAmount: 120000,
		Currency:       "IRR",
		State:          model.IntentStatePending,
		CreatedAt:      time.Now().Add(-time.Minute),
		UpdatedAt:      time.Now().Add(-time.Minute),
	}
	d.intents.Save(ctx, nil, intent)
	return intent
}

func verifiedConf(token, txnID string, amount int64) *model.PaymentConfirmation {
	return &model.PaymentConfirmation{
		Provider:       "mockpay",
		Channel:        model.ChannelWebhook,
		RawReference:   token,
		ProviderTxnID:  txnID,
		ReportedAmount: amount,
		Verified:       true,
		Payload:        map[string]string{},
	}
}

func TestReconcileEngine_Activation(t *testing.T) {
	ctx := context.Background()

	t.Run("should activate a plan on a verified matching confirmation", func(t *testing.T) {
		// --- Arrange ---
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		// --- Act ---
		res, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 50000))

		// --- Assert ---
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeActivated {
			t.Fatalf("expected outcome %q, got %q", usecase.OutcomeActivated, res.Outcome)
		}
		if got := deps.intents.State(planToken); got != model.IntentStateActivated {
			t.Errorf("expected intent state 'activated', got %q", got)
		}
		if deps.ledger.Count() != 1 {
			t.Errorf("expected exactly one ledger entry, got %d", deps.ledger.Count())
		}
		if deps.subs.Count() != 1 {
			t.Fatalf("expected exactly one subscription, got %d", deps.subs.Count())
		}
		sub := deps.subs.Subs[0]
		if sub.UserID != "user-1" || sub.PlanID != "gold" || sub.PaymentID != planToken {
			t.Errorf("subscription not keyed to payer/plan/intent: %+v", sub)
		}
	})

	t.Run("should record an invoice payment and mark the invoice paid", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedInvoiceIntent(ctx)

		res, err := deps.uc.Apply(ctx, verifiedConf(invoiceToken, "B-1", 120000))

		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeActivated {
			t.Fatalf("expected outcome activated, got %q", res.Outcome)
		}
		inv, err := deps.invoices.FindByID(ctx, nil, "inv-7")
		if err != nil {
			t.Fatalf("invoice lookup failed: %v", err)
		}
		if inv.Status != model.InvoiceStatusPaid {
			t.Errorf("expected invoice status 'paid', got %q", inv.Status)
		}
		if inv.PaidMinor != 120000 {
			t.Errorf("expected paid_minor 120000, got %d", inv.PaidMinor)
		}
		if deps.invoices.PaymentCount() != 1 {
			t.Errorf("expected one recorded payment, got %d", deps.invoices.PaymentCount())
		}
	})
}

func TestReconcileEngine_ExactlyOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("should treat a duplicate delivery as a benign replay", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")
		conf := verifiedConf(planToken, "A-1", 50000)

		first, err := deps.uc.Apply(ctx, conf)
		if err != nil || first.Outcome != usecase.OutcomeActivated {
			t.Fatalf("first delivery: outcome=%v err=%v", first.Outcome, err)
		}

		second, err := deps.uc.Apply(ctx, conf)

		if err != nil {
			t.Fatalf("replay must not error, got: %v", err)
		}
		if second.Outcome != usecase.OutcomeReplay {
			t.Errorf("expected outcome replay, got %q", second.Outcome)
		}
		if deps.subs.Count() != 1 {
			t.Errorf("replay must not grant again; subscriptions=%d", deps.subs.Count())
		}
		if deps.ledger.Count() != 1 {
			t.Errorf("replay must not add ledger entries; entries=%d", deps.ledger.Count())
		}
	})

	t.Run("should activate at most once under concurrent duplicate deliveries", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		const workers = 8
		outcomes := make([]usecase.ReconcileOutcome, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 50000))
				if err != nil {
					t.Errorf("worker %d: unexpected error: %v", i, err)
					return
				}
				outcomes[i] = res.Outcome
			}(i)
		}
		wg.Wait()

		activated := 0
		for _, o := range outcomes {
			if o == usecase.OutcomeActivated {
				activated++
			}
		}
		if activated != 1 {
			t.Errorf("expected exactly one activation, got %d (outcomes: %v)", activated, outcomes)
		}
		if deps.subs.Count() != 1 {
			t.Errorf("expected exactly one subscription, got %d", deps.subs.Count())
		}
		if deps.ledger.Count() != 1 {
			t.Errorf("expected exactly one ledger entry, got %d", deps.ledger.Count())
		}
	})

	t.Run("confirmations should reconcile regardless of arrival order", func(t *testing.T) {
		// Webhook first, then redirect: the second channel must land as a
		// replay/no-op, not a second grant.
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		if res, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 50000)); err != nil || res.Outcome != usecase.OutcomeActivated {
			t.Fatalf("webhook delivery: outcome=%v err=%v", res.Outcome, err)
		}

		redirect := &model.PaymentConfirmation{
			Provider:       "mockpay",
			Channel:        model.ChannelRedirect,
			RawReference:   planToken,
			ProviderTxnID:  "A-1",
			ReportedAmount: model.AmountUnreported,
			Verified:       false,
		}
		res, err := deps.uc.Apply(ctx, redirect)
		if err != nil {
			t.Fatalf("late redirect must not error: %v", err)
		}
		if res.Outcome != usecase.OutcomeReplay {
			t.Errorf("expected late redirect to be a replay, got %q", res.Outcome)
		}
		if deps.subs.Count() != 1 {
			t.Errorf("expected one subscription, got %d", deps.subs.Count())
		}
	})
}

func TestReconcileEngine_Rejection(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject on amount mismatch and withhold activation", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		res, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 49000))

		if err != nil {
			t.Fatalf("mismatch handling must not error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeRejected {
			t.Fatalf("expected outcome rejected, got %q", res.Outcome)
		}
		if got := deps.intents.State(planToken); got != model.IntentStateRejected {
			t.Errorf("expected intent state 'rejected', got %q", got)
		}
		if deps.subs.Count() != 0 {
			t.Errorf("mismatched payment must not activate; subscriptions=%d", deps.subs.Count())
		}
		if deps.ledger.Count() != 0 {
			t.Errorf("mismatched payment must not enter the ledger; entries=%d", deps.ledger.Count())
		}
	})

	t.Run("a later correct confirmation must not revive a rejected intent", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		if _, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 49000)); err != nil {
			t.Fatalf("setup rejection failed: %v", err)
		}

		res, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 50000))
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeDiscarded {
			t.Errorf("expected outcome discarded for a terminal rejected intent, got %q", res.Outcome)
		}
		if deps.subs.Count() != 0 {
			t.Errorf("rejected intent must stay rejected; subscriptions=%d", deps.subs.Count())
		}
	})
}

func TestReconcileEngine_Orphans(t *testing.T) {
	ctx := context.Background()

	t.Run("should record an orphan when nothing correlates", func(t *testing.T) {
		deps := newReconcileDeps()

		res, err := deps.uc.Apply(ctx, verifiedConf("plan_gold_1700000000_zzzz9999", "X-1", 50000))

		if err != nil {
			t.Fatalf("orphan handling must not error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeOrphaned {
			t.Fatalf("expected outcome orphaned, got %q", res.Outcome)
		}
		if len(deps.orphans.Orphans) != 1 {
			t.Fatalf("expected one recorded orphan, got %d", len(deps.orphans.Orphans))
		}
		if deps.orphans.Orphans[0].ProviderTxnID != "X-1" {
			t.Errorf("orphan must carry the provider txn id, got %q", deps.orphans.Orphans[0].ProviderTxnID)
		}
	})

	t.Run("a tampered token must resolve to nothing", func(t *testing.T) {
		// Intent stored for plan "gold"; confirmation carries a token whose
		// target segment was edited. It must not reach the stored intent.
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		res, err := deps.uc.Apply(ctx, verifiedConf("plan_silver_1700000000_abcd1234", "A-1", 50000))

		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeOrphaned {
			t.Errorf("expected tampered token to orphan, got %q", res.Outcome)
		}
		if got := deps.intents.State(planToken); got != model.IntentStatePending {
			t.Errorf("stored intent must be untouched, got state %q", got)
		}
	})

	t.Run("a token echoed by a different provider must resolve to nothing", func(t *testing.T) {
		// Intent initiated with mockpay; a verified confirmation from another
		// provider replays the token. It must not claim the intent, or the
		// wrong provider's txn id would end up on the ledger.
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		conf := verifiedConf(planToken, "OTHER-1", 50000)
		conf.Provider = "otherpay"

		res, err := deps.uc.Apply(ctx, conf)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeOrphaned {
			t.Errorf("expected cross-provider token to orphan, got %q", res.Outcome)
		}
		if got := deps.intents.State(planToken); got != model.IntentStatePending {
			t.Errorf("stored intent must be untouched, got state %q", got)
		}
		if deps.ledger.Count() != 0 {
			t.Errorf("expected no ledger entry, got %d", deps.ledger.Count())
		}
	})
}

func TestReconcileEngine_Verification(t *testing.T) {
	ctx := context.Background()

	t.Run("unverified confirmation leaves the intent pending", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		conf := verifiedConf(planToken, "A-1", 50000)
		conf.Verified = false
		conf.Channel = model.ChannelRedirect

		res, err := deps.uc.Apply(ctx, conf)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeAwaiting {
			t.Errorf("expected outcome awaiting_verification, got %q", res.Outcome)
		}
		if got := deps.intents.State(planToken); got != model.IntentStatePending {
			t.Errorf("expected intent to stay pending, got %q", got)
		}
	})

	t.Run("verified confirmation without txn id or amount awaits a richer one", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		noAmount := verifiedConf(planToken, "A-1", model.AmountUnreported)
		if res, _ := deps.uc.Apply(ctx, noAmount); res.Outcome != usecase.OutcomeAwaiting {
			t.Errorf("amountless confirmation: expected awaiting, got %q", res.Outcome)
		}

		noTxn := verifiedConf(planToken, "", 50000)
		if res, _ := deps.uc.Apply(ctx, noTxn); res.Outcome != usecase.OutcomeAwaiting {
			t.Errorf("txn-less confirmation: expected awaiting, got %q", res.Outcome)
		}
		if deps.subs.Count() != 0 {
			t.Errorf("nothing decidable was delivered; subscriptions=%d", deps.subs.Count())
		}
	})
}

func TestReconcileEngine_Pipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown provider is an error", func(t *testing.T) {
		deps := newReconcileDeps()
		_, err := deps.uc.Reconcile(ctx, model.RawConfirmation{Provider: "nope", Channel: model.ChannelWebhook})
		if !errors.Is(err, domain.ErrUnknownProvider) {
			t.Errorf("expected ErrUnknownProvider, got: %v", err)
		}
	})

	t.Run("malformed payload is discarded with an error", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.gateway.NormalizeFunc = func(raw model.RawConfirmation) (*model.PaymentConfirmation, error) {
			return nil, domain.ErrMalformedConfirmation
		}

		res, err := deps.uc.Reconcile(ctx, model.RawConfirmation{Provider: "mockpay", Channel: model.ChannelWebhook})
		if !errors.Is(err, domain.ErrMalformedConfirmation) {
			t.Errorf("expected ErrMalformedConfirmation, got: %v", err)
		}
		if res == nil || res.Outcome != usecase.OutcomeDiscarded {
			t.Errorf("expected outcome discarded, got %+v", res)
		}
	})

	t.Run("failed webhook signature never reaches the state machine", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")
		deps.gateway.NormalizeFunc = func(raw model.RawConfirmation) (*model.PaymentConfirmation, error) {
			return verifiedConf(planToken, "A-1", 50000), nil
		}
		deps.gateway.VerifyFunc = func(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool {
			return false
		}

		res, err := deps.uc.Reconcile(ctx, model.RawConfirmation{Provider: "mockpay", Channel: model.ChannelWebhook})
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeUnverifiable {
			t.Errorf("expected outcome verification_failed, got %q", res.Outcome)
		}
		if got := deps.intents.State(planToken); got != model.IntentStatePending {
			t.Errorf("expected intent untouched, got state %q", got)
		}
	})

	t.Run("degraded correlation activates on webhook but not redirect", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		// No token, no known txn id, only target hints in the payload.
		degraded := &model.PaymentConfirmation{
			Provider:       "mockpay",
			Channel:        model.ChannelRedirect,
			ProviderTxnID:  "D-1",
			ReportedAmount: 50000,
			Verified:       false,
			Payload:        map[string]string{"target_kind": "plan", "target_id": "gold"},
		}
		res, err := deps.uc.Apply(ctx, degraded)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeAwaiting {
			t.Errorf("degraded redirect must not activate, got %q", res.Outcome)
		}

		webhook := *degraded
		webhook.Channel = model.ChannelWebhook
		webhook.Verified = true
		res, err = deps.uc.Apply(ctx, &webhook)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeActivated {
			t.Errorf("degraded webhook with matching amount should activate, got %q", res.Outcome)
		}
	})
}

func TestReconcileEngine_ActivationFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("activation failure rolls the whole transition back", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")
		deps.subs.SaveFunc = func(ctx context.Context, tx repository.Tx, s *model.UserSubscription) error {
			return errors.New("entitlement store down")
		}
		// Emulate transaction semantics on top of the in-memory stores.
		deps.tm.WithTxFunc = func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
			intentsSnap := deps.intents.Snapshot()
			ledgerSnap := deps.ledger.Snapshot()
			if err := fn(ctx, nil); err != nil {
				deps.intents.Restore(intentsSnap)
				deps.ledger.Restore(ledgerSnap)
				return err
			}
			return nil
		}

		_, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 50000))

		if !errors.Is(err, domain.ErrActivationFailed) {
			t.Fatalf("expected ErrActivationFailed, got: %v", err)
		}
		if got := deps.intents.State(planToken); got != model.IntentStatePending {
			t.Errorf("expected intent back to pending after rollback, got %q", got)
		}
		if deps.ledger.Count() != 0 {
			t.Errorf("ledger entry must roll back with the failed grant; entries=%d", deps.ledger.Count())
		}

		// A retried delivery after the store recovers must complete the grant.
		deps.subs.SaveFunc = nil
		res, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 50000))
		if err != nil || res.Outcome != usecase.OutcomeActivated {
			t.Errorf("retry after recovery: outcome=%v err=%v", res.Outcome, err)
		}
	})
}

func TestReconcileEngine_PollIntent(t *testing.T) {
	ctx := context.Background()

	t.Run("should activate through the authenticated poll channel", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "A-1")

		res, err := deps.uc.PollIntent(ctx, planToken)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeActivated {
			t.Errorf("expected outcome activated, got %q", res.Outcome)
		}
	})

	t.Run("provider reporting unpaid leaves the intent pending", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "A-1")
		deps.gateway.PollStatusFunc = func(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error) {
			return nil, domain.ErrVerificationFailed
		}

		res, err := deps.uc.PollIntent(ctx, planToken)
		if err != nil {
			t.Fatalf("unpaid poll must not error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeAwaiting {
			t.Errorf("expected outcome awaiting_verification, got %q", res.Outcome)
		}
		if got := deps.intents.State(planToken); got != model.IntentStatePending {
			t.Errorf("expected intent still pending, got %q", got)
		}
	})

	t.Run("terminal intent short-circuits as replay without touching the provider", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "A-1")
		if _, err := deps.uc.Apply(ctx, verifiedConf(planToken, "A-1", 50000)); err != nil {
			t.Fatalf("setup activation failed: %v", err)
		}
		polled := false
		deps.gateway.PollStatusFunc = func(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error) {
			polled = true
			return nil, domain.ErrVerificationFailed
		}

		res, err := deps.uc.PollIntent(ctx, planToken)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeReplay {
			t.Errorf("expected outcome replay, got %q", res.Outcome)
		}
		if polled {
			t.Error("terminal intent must not trigger a provider poll")
		}
	})

	t.Run("intent without a provider txn has nothing to poll", func(t *testing.T) {
		deps := newReconcileDeps()
		deps.seedPlanIntent(ctx, "")

		res, err := deps.uc.PollIntent(ctx, planToken)
		if err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
		if res.Outcome != usecase.OutcomeAwaiting {
			t.Errorf("expected outcome awaiting_verification, got %q", res.Outcome)
		}
	})
}
