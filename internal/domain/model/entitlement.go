package model

import "time"

// SubscriptionPlan is a purchasable plan definition.
type SubscriptionPlan struct {
	ID            string
	Name          string
	PriceMonthly  int64 // minor units
	PriceYearly   int64 // minor units
	Currency      string
	DurationDays  int // length of one monthly cycle; yearly is 12x
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusReserved SubscriptionStatus = "reserved" // queued behind a currently active one
	SubscriptionStatusExpired  SubscriptionStatus = "expired"
)

// UserSubscription is the granted entitlement for a plan purchase.
type UserSubscription struct {
	ID        string
	UserID    string
	PlanID    string
	Status    SubscriptionStatus
	StartsAt  time.Time
	ExpiresAt time.Time
	PaymentID string // intent id that granted this cycle
	CreatedAt time.Time
	UpdatedAt time.Time
}

type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "open"
	InvoiceStatusPaid InvoiceStatus = "paid"
)

// Invoice is a receivable that payments are recorded against. It flips to
// paid once cumulative payments reach the total.
type Invoice struct {
	ID          string
	UserID      string
	TotalMinor  int64
	PaidMinor   int64
	Currency    string
	Status      InvoiceStatus
	IssuedAt    time.Time
	PaidAt      *time.Time
}

// InvoicePayment is one payment recorded against an invoice.
type InvoicePayment struct {
	ID            string
	InvoiceID     string
	AmountMinor   int64
	Provider      string
	ProviderTxnID string
	IntentID      string
	RecordedAt    time.Time
}
