package adapter

import (
	"context"

	"subscription-billing/internal/domain/model"
)

// GatewayAdapter is the hex port every payment provider implements. Adapters
// are pure translators between the provider's wire format and the engine's
// normalized confirmation; they must never mutate intent state themselves.
type GatewayAdapter interface {
	Name() string

	// RequestPayment initiates a payment with the provider. The correlation
	// token is embedded in the callback URL (and, where the provider supports
	// it, in a metadata/reference field) so confirmations can be matched back.
	// Returns the provider transaction id (authority) and the redirect URL.
	RequestPayment(ctx context.Context, amountMinor int64, currency, description, callbackURL, token string) (providerTxnID string, payURL string, err error)

	// Normalize translates a raw signal into a PaymentConfirmation.
	// Missing required fields yield domain.ErrMalformedConfirmation.
	Normalize(raw model.RawConfirmation) (*model.PaymentConfirmation, error)

	// Verify reports whether the confirmation is authentic. Webhook adapters
	// recompute the provider signature; redirect adapters check the redirect
	// token when the provider issues one and return false otherwise; polled
	// adapters return true because the channel itself is an authenticated
	// outbound call made with our credentials.
	Verify(ctx context.Context, raw model.RawConfirmation, conf *model.PaymentConfirmation) bool
}

// StatusPoller is implemented by adapters whose provider exposes a
// status-query API. The result feeds the same reconcile pipeline as any
// inbound confirmation.
type StatusPoller interface {
	PollStatus(ctx context.Context, providerTxnID string, expectedAmount int64) (*model.PaymentConfirmation, error)
}
