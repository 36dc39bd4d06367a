package model

import "time"

type IntentState string

const (
	IntentStatePending   IntentState = "pending"   // created; awaiting a verified confirmation
	IntentStateVerifying IntentState = "verifying" // a confirmation is being reconciled right now
	IntentStateActivated IntentState = "activated" // entitlement granted; terminal
	IntentStateRejected  IntentState = "rejected"  // amount mismatch or explicit failure; terminal
)

// GuestPayer is the payer_ref recorded when no authenticated user started the flow.
const GuestPayer = "guest"

// PaymentIntent records one attempt to pay for one entitlement target.
// The ID doubles as the correlation token: it is the only value embedded in
// outbound redirect/callback URLs and must round-trip through providers that
// offer no metadata field. Intents are never deleted; terminal rows are kept
// for audit and replay detection.
type PaymentIntent struct {
	ID             string // correlation token: {kind}_{targetID}_{unixts}_{random}
	Target         Target
	PayerRef       string // internal user id, or GuestPayer
	Provider       string // gateway name, e.g. "zarinpal"
	ExpectedAmount int64  // minor units
	Currency       string // ISO-ish code, e.g. "IRR"
	State          IntentState
	ProviderTxnID  string // provider transaction id / authority, once assigned
	Description    string // human-readable line shown to the gateway
	CallbackURL    string // the redirect URL we registered with the provider
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ActivatedAt    *time.Time
}

// Terminal reports whether the intent accepts no further transitions.
func (p *PaymentIntent) Terminal() bool {
	return p.State == IntentStateActivated || p.State == IntentStateRejected
}
