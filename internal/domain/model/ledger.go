package model

import "time"

// LedgerEntry is one row of the idempotency ledger. The unique composite
// index on (IntentID, ProviderTxnID) is the single gate deciding "first
// confirmation" vs "replay"; everything else in the engine leans on it.
type LedgerEntry struct {
	IntentID      string
	ProviderTxnID string
	ActivatedAt   time.Time
}

// OrphanConfirmation records a confirmation that resolved to no intent.
// Kept for observability only; orphans cause no state transition.
type OrphanConfirmation struct {
	ID             string
	Provider       string
	Channel        Channel
	RawReference   string
	ProviderTxnID  string
	ReportedAmount int64
	Reason         string
	ReceivedAt     time.Time
}
