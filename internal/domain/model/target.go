package model

type TargetKind string

const (
	TargetPlan    TargetKind = "plan"    // subscription plan purchase
	TargetInvoice TargetKind = "invoice" // payment against an open invoice balance
)

// PlanSubscription is the entitlement target for a plan purchase.
type PlanSubscription struct {
	PlanID       string
	BillingCycle string // "monthly" | "yearly"
	CouponCode   string
}

// InvoiceBalance is the entitlement target for paying down an invoice.
type InvoiceBalance struct {
	InvoiceID   string
	AmountMinor int64
}

// Target is a tagged union over the two entitlement kinds. Exactly one of
// Plan/Invoice is set, matching Kind.
type Target struct {
	Kind    TargetKind
	Plan    *PlanSubscription
	Invoice *InvoiceBalance
}

func NewPlanTarget(planID, billingCycle, couponCode string) Target {
	return Target{Kind: TargetPlan, Plan: &PlanSubscription{PlanID: planID, BillingCycle: billingCycle, CouponCode: couponCode}}
}

func NewInvoiceTarget(invoiceID string, amountMinor int64) Target {
	return Target{Kind: TargetInvoice, Invoice: &InvoiceBalance{InvoiceID: invoiceID, AmountMinor: amountMinor}}
}

// ID returns the identifier of the underlying target entity.
func (t Target) ID() string {
	switch t.Kind {
	case TargetPlan:
		if t.Plan != nil {
			return t.Plan.PlanID
		}
	case TargetInvoice:
		if t.Invoice != nil {
			return t.Invoice.InvoiceID
		}
	}
	return ""
}

func (t Target) Valid() bool {
	switch t.Kind {
	case TargetPlan:
		return t.Plan != nil && t.Plan.PlanID != ""
	case TargetInvoice:
		return t.Invoice != nil && t.Invoice.InvoiceID != ""
	}
	return false
}
