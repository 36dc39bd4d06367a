//go:build !integration

package usecase_test

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/usecase"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
// It writes to io.Discard to prevent logs from cluttering test output.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// =============================
// Repositories
// =============================

// ---- In-memory IntentRepository ----

type MockIntentRepo struct {
	mu      sync.Mutex
	intents map[string]*model.PaymentIntent

	SaveFunc                 func(ctx context.Context, tx repository.Tx, p *model.PaymentIntent) error
	FindByIDFunc             func(ctx context.Context, tx repository.Tx, id string) (*model.PaymentIntent, error)
	UpdateStateIfPendingFunc func(ctx context.Context, tx repository.Tx, id string, state model.IntentState, providerTxnID *string, activatedAt *time.Time) (bool, error)
}

var _ repository.IntentRepository = (*MockIntentRepo)(nil)

func NewMockIntentRepo() *MockIntentRepo {
	return &MockIntentRepo{intents: make(map[string]*model.PaymentIntent)}
}

func (m *MockIntentRepo) Save(ctx context.Context, tx repository.Tx, p *model.PaymentIntent) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, tx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.intents[p.ID] = &cp
	return nil
}

func (m *MockIntentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PaymentIntent, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, tx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.intents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockIntentRepo) FindByProviderTxnID(ctx context.Context, tx repository.Tx, provider, providerTxnID string) (*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.intents {
		if p.Provider == provider && p.ProviderTxnID == providerTxnID && providerTxnID != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockIntentRepo) FindLatestPendingForTarget(ctx context.Context, tx repository.Tx, kind model.TargetKind, targetID string) (*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.PaymentIntent
	for _, p := range m.intents {
		if p.State != model.IntentStatePending || p.Target.Kind != kind || p.Target.ID() != targetID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MockIntentRepo) UpdateStateIfPending(ctx context.Context, tx repository.Tx, id string, state model.IntentState, providerTxnID *string, activatedAt *time.Time) (bool, error) {
	if m.UpdateStateIfPendingFunc != nil {
		return m.UpdateStateIfPendingFunc(ctx, tx, id, state, providerTxnID, activatedAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.intents[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.State != model.IntentStatePending && p.State != model.IntentStateVerifying {
		return false, nil
	}
	p.State = state
	if providerTxnID != nil {
		p.ProviderTxnID = *providerTxnID
	}
	if activatedAt != nil {
		p.ActivatedAt = activatedAt
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockIntentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PaymentIntent
	for _, p := range m.intents {
		if p.State == model.IntentStatePending && p.CreatedAt.Before(olderThan) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockIntentRepo) SumActivatedByPeriod(ctx context.Context, tx repository.Tx, period string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, p := range m.intents {
		if p.State == model.IntentStateActivated {
			total += p.ExpectedAmount
		}
	}
	return total, nil
}

// State returns the current stored state of an intent, for assertions.
func (m *MockIntentRepo) State(id string) model.IntentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.intents[id]; ok {
		return p.State
	}
	return ""
}

// Snapshot/Restore let tests emulate transaction rollback on top of the
// in-memory store.
func (m *MockIntentRepo) Snapshot() map[string]model.PaymentIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]model.PaymentIntent, len(m.intents))
	for k, v := range m.intents {
		snap[k] = *v
	}
	return snap
}

func (m *MockIntentRepo) Restore(snap map[string]model.PaymentIntent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = make(map[string]*model.PaymentIntent, len(snap))
	for k, v := range snap {
		cp := v
		m.intents[k] = &cp
	}
}

// ---- In-memory LedgerRepository ----

type MockLedgerRepo struct {
	mu      sync.Mutex
	entries map[string]*model.LedgerEntry // key: intentID + "|" + providerTxnID

	InsertFunc func(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) (bool, error)
}

var _ repository.LedgerRepository = (*MockLedgerRepo)(nil)

func NewMockLedgerRepo() *MockLedgerRepo {
	return &MockLedgerRepo{entries: make(map[string]*model.LedgerEntry)}
}

func (m *MockLedgerRepo) Insert(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) (bool, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, tx, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.IntentID + "|" + e.ProviderTxnID
	if _, exists := m.entries[key]; exists {
		return false, nil
	}
	cp := *e
	m.entries[key] = &cp
	return true, nil
}

func (m *MockLedgerRepo) FindByIntent(ctx context.Context, tx repository.Tx, intentID string) (*model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.IntentID == intentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockLedgerRepo) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MockLedgerRepo) Snapshot() map[string]model.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]model.LedgerEntry, len(m.entries))
	for k, v := range m.entries {
		snap[k] = *v
	}
	return snap
}

func (m *MockLedgerRepo) Restore(snap map[string]model.LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*model.LedgerEntry, len(snap))
	for k, v := range snap {
		cp := v
		m.entries[k] = &cp
	}
}

// ---- In-memory OrphanRepository ----

type MockOrphanRepo struct {
	mu      sync.Mutex
	Orphans []*model.OrphanConfirmation
}

var _ repository.OrphanRepository = (*MockOrphanRepo)(nil)

func NewMockOrphanRepo() *MockOrphanRepo { return &MockOrphanRepo{} }

func (m *MockOrphanRepo) Save(ctx context.Context, tx repository.Tx, o *model.OrphanConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.Orphans = append(m.Orphans, &cp)
	return nil
}

func (m *MockOrphanRepo) ListRecent(ctx context.Context, tx repository.Tx, limit int) ([]*model.OrphanConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.OrphanConfirmation, len(m.Orphans))
	copy(out, m.Orphans)
	return out, nil
}

// ---- In-memory PlanRepository ----

type MockPlanRepo struct {
	mu    sync.Mutex
	plans map[string]*model.SubscriptionPlan
}

var _ repository.PlanRepository = (*MockPlanRepo)(nil)

func NewMockPlanRepo() *MockPlanRepo {
	return &MockPlanRepo{plans: make(map[string]*model.SubscriptionPlan)}
}

func (m *MockPlanRepo) Save(ctx context.Context, tx repository.Tx, p *model.SubscriptionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *MockPlanRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockPlanRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.SubscriptionPlan
	for _, p := range m.plans {
		if p.Active {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- In-memory SubscriptionRepository ----

type MockSubscriptionRepo struct {
	mu   sync.Mutex
	Subs []*model.UserSubscription

	SaveFunc func(ctx context.Context, tx repository.Tx, s *model.UserSubscription) error
}

var _ repository.SubscriptionRepository = (*MockSubscriptionRepo)(nil)

func NewMockSubscriptionRepo() *MockSubscriptionRepo { return &MockSubscriptionRepo{} }

func (m *MockSubscriptionRepo) Save(ctx context.Context, tx repository.Tx, s *model.UserSubscription) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, tx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.Subs = append(m.Subs, &cp)
	return nil
}

func (m *MockSubscriptionRepo) FindActiveByUser(ctx context.Context, tx repository.Tx, userID string) (*model.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.UserSubscription
	now := time.Now()
	for _, s := range m.Subs {
		if s.UserID != userID || s.Status != model.SubscriptionStatusActive || !s.ExpiresAt.After(now) {
			continue
		}
		if best == nil || s.ExpiresAt.After(best.ExpiresAt) {
			best = s
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MockSubscriptionRepo) FindByPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Subs {
		if s.PaymentID == paymentID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionRepo) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Subs)
}

// ---- In-memory InvoiceRepository ----

type MockInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[string]*model.Invoice
	payments []*model.InvoicePayment
}

var _ repository.InvoiceRepository = (*MockInvoiceRepo)(nil)

func NewMockInvoiceRepo() *MockInvoiceRepo {
	return &MockInvoiceRepo{invoices: make(map[string]*model.Invoice)}
}

func (m *MockInvoiceRepo) Save(ctx context.Context, tx repository.Tx, inv *model.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inv
	m.invoices[inv.ID] = &cp
	return nil
}

func (m *MockInvoiceRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MockInvoiceRepo) RecordPayment(ctx context.Context, tx repository.Tx, p *model.InvoicePayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m *MockInvoiceRepo) SumPayments(ctx context.Context, tx repository.Tx, invoiceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			total += p.AmountMinor
		}
	}
	return total, nil
}

func (m *MockInvoiceRepo) PaymentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// =============================
// Adapters
// =============================

// ---- Mock GatewayAdapter ----

type MockGateway struct {
	NameValue string

	RequestPaymentFunc func(ctx context.Context, amountMinor int64, currency, description, callbackURL, token string) (string, string, error)
	NormalizeFunc      func(raw model.RawConfirmation) (*model.PaymentConfirmation, error)
	VerifyFunc         func(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool
	PollStatusFunc     func(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error)
}

var (
	_ adapter.GatewayAdapter = (*MockGateway)(nil)
	_ adapter.StatusPoller   = (*MockGateway)(nil)
)

func (g *MockGateway) Name() string {
	if g.NameValue != "" {
		return g.NameValue
	}
	return "mockpay"
}

func (g *MockGateway) RequestPayment(ctx context.Context, amountMinor int64, currency, description, callbackURL, token string) (string, string, error) {
	if g.RequestPaymentFunc != nil {
		return g.RequestPaymentFunc(ctx, amountMinor, currency, description, callbackURL, token)
	}
	return "txn-" + token, "https://pay.example/" + token, nil
}

func (g *MockGateway) Normalize(raw model.RawConfirmation) (*model.PaymentConfirmation, error) {
	if g.NormalizeFunc != nil {
		return g.NormalizeFunc(raw)
	}
	return &model.PaymentConfirmation{
		Provider:       g.Name(),
		Channel:        raw.Channel,
		RawReference:   raw.Params["token"],
		ProviderTxnID:  raw.Params["txn_id"],
		ReportedAmount: model.AmountUnreported,
		Payload:        map[string]string{},
	}, nil
}

func (g *MockGateway) Verify(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool {
	if g.VerifyFunc != nil {
		return g.VerifyFunc(ctx, raw, conf)
	}
	return raw.Channel == model.ChannelPolled
}

func (g *MockGateway) PollStatus(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error) {
	if g.PollStatusFunc != nil {
		return g.PollStatusFunc(ctx, providerTxnID, expectedAmount)
	}
	return &model.PaymentConfirmation{
		Provider:       g.Name(),
		Channel:        model.ChannelPolled,
		ProviderTxnID:  providerTxnID,
		ReportedAmount: expectedAmount,
		Verified:       true,
		Payload:        map[string]string{},
	}, nil
}

// ---- Mock registry ----

type MockRegistry struct {
	Gateways map[string]adapter.GatewayAdapter
}

var _ usecase.GatewayRegistry = (*MockRegistry)(nil)

func NewMockRegistry(gws ...adapter.GatewayAdapter) *MockRegistry {
	m := &MockRegistry{Gateways: make(map[string]adapter.GatewayAdapter)}
	for _, g := range gws {
		m.Gateways[g.Name()] = g
	}
	return m
}

func (m *MockRegistry) ForProvider(name string) (adapter.GatewayAdapter, bool) {
	g, ok := m.Gateways[name]
	return g, ok
}

// ---- Mock TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

// WithTx provides a way to control transaction behavior during tests.
// By default, it runs the function immediately without a real transaction.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, nil)
}

// ---- Mock ReplayCache ----

type MockReplayCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

var _ usecase.ReplayCache = (*MockReplayCache)(nil)

func NewMockReplayCache() *MockReplayCache {
	return &MockReplayCache{seen: make(map[string]bool)}
}

func (m *MockReplayCache) Seen(ctx context.Context, intentID, providerTxnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[intentID+"|"+providerTxnID]
}

func (m *MockReplayCache) MarkSeen(ctx context.Context, intentID, providerTxnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[intentID+"|"+providerTxnID] = true
}
