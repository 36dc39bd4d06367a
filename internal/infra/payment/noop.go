package payment

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
)

const noopName = "noop"

var (
	_ adapter.GatewayAdapter = (*NoopGateway)(nil)
	_ adapter.StatusPoller   = (*NoopGateway)(nil)
)

// NoopGateway is the sandbox gateway for dev environments that cannot
// receive webhooks: every payment "succeeds" as soon as it is polled.
type NoopGateway struct {
	seq atomic.Int64

	// RequestPayment (initiation handlers) and PollStatus (reconciler,
	// redirect corroboration) run on different goroutines.
	mu      sync.Mutex
	amounts map[string]int64 // txn id -> amount, for PollStatus echoes
}

func NewNoopGateway() *NoopGateway {
	return &NoopGateway{amounts: make(map[string]int64)}
}

func (g *NoopGateway) Name() string { return noopName }

func (g *NoopGateway) RequestPayment(ctx context.Context, amountMinor int64, currency, description, callbackURL, token string) (string, string, error) {
	txnID := "noop-" + strconv.FormatInt(g.seq.Add(1), 10)
	g.mu.Lock()
	g.amounts[txnID] = amountMinor
	g.mu.Unlock()
	return txnID, callbackURL + "&Status=OK&Authority=" + txnID, nil
}

func (g *NoopGateway) Normalize(raw model.RawConfirmation) (*model.PaymentConfirmation, error) {
	authority := raw.Params["Authority"]
	if authority == "" {
		return nil, fmt.Errorf("%w: missing Authority", domain.ErrMalformedConfirmation)
	}
	return &model.PaymentConfirmation{
		Provider:       noopName,
		Channel:        raw.Channel,
		RawReference:   raw.Params["token"],
		ProviderTxnID:  authority,
		ReportedAmount: model.AmountUnreported,
	}, nil
}

func (g *NoopGateway) Verify(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool {
	return raw.Channel == model.ChannelPolled
}

func (g *NoopGateway) PollStatus(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error) {
	g.mu.Lock()
	amount, ok := g.amounts[providerTxnID]
	g.mu.Unlock()
	if !ok {
		amount = expectedAmount
	}
	return &model.PaymentConfirmation{
		Provider:       noopName,
		Channel:        model.ChannelPolled,
		ProviderTxnID:  providerTxnID,
		ReportedAmount: amount,
		Verified:       true,
	}, nil
}
