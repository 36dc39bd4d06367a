package model

type Channel string

const (
	ChannelRedirect Channel = "redirect" // browser returned with provider query params
	ChannelWebhook  Channel = "webhook"  // server-to-server callback
	ChannelPolled   Channel = "polled"   // we queried the provider's status API ourselves
)

// AmountUnreported marks a confirmation whose channel carries no amount
// (e.g. a bare redirect); the engine then relies on the intent's expected
// amount and an authenticated channel for the final decision.
const AmountUnreported int64 = -1

// RawConfirmation is a provider signal exactly as it came off the wire,
// before any adapter touched it.
type RawConfirmation struct {
	Provider  string
	Channel   Channel
	Params    map[string]string // redirect query or decoded form fields
	Body      []byte            // webhook body, verbatim
	Signature string            // transport-level signature header, if the provider sends one
}

// PaymentConfirmation is one normalized inbound signal claiming a payment
// outcome. It is ephemeral: never persisted as its own entity.
type PaymentConfirmation struct {
	Provider       string
	Channel        Channel
	RawReference   string // correlation token or provider reference as received
	ProviderTxnID  string
	ReportedAmount int64 // minor units; AmountUnreported when the channel carries none
	Currency       string
	Verified       bool              // set by the gateway adapter, never by callers
	Payload        map[string]string // provider-specific extras (payer email, card mask, ...)
}
