package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		confirmationsTotal,
		activationsTotal,
		activatedRevenueTotal,
		amountMismatchTotal,
		activationFailureTotal,
		reconcileDuration,
	)
}

var (
	// result: activated|replay|awaiting_verification|rejected|orphaned|
	// discarded|verification_failed|malformed|degraded_redirect
	confirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_confirmations_total",
			Help: "Inbound payment confirmations by provider, channel and disposition.",
		},
		[]string{"provider", "channel", "result"},
	)

	activationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_activations_total",
			Help: "Entitlements activated exactly once per intent, by provider and target kind.",
		},
		[]string{"provider", "target"},
	)

	activatedRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activated_revenue_minor_total",
			Help: "Total monetary value (minor units) of activated intents, by currency.",
		},
		[]string{"currency"},
	)

	amountMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_amount_mismatch_total",
			Help: "Confirmations rejected for reporting a wrong amount. Financial-review event.",
		},
		[]string{"provider"},
	)

	activationFailureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_activation_failures_total",
			Help: "Activation callback failures; the intent stays pending for retry.",
		},
		[]string{"provider"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_reconcile_duration_seconds",
			Help:    "Duration of one reconcile transaction by provider and outcome.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"provider", "outcome"},
	)
)

func IncConfirmation(provider, channel, result string) {
	confirmationsTotal.WithLabelValues(norm(provider), norm(channel), norm(result)).Inc()
}

func IncActivation(provider, target string) {
	activationsTotal.WithLabelValues(norm(provider), norm(target)).Inc()
}

func AddActivatedRevenue(currency string, amountMinor int64) {
	activatedRevenueTotal.WithLabelValues(norm(currency)).Add(float64(amountMinor))
}

func IncAmountMismatch(provider string) {
	amountMismatchTotal.WithLabelValues(norm(provider)).Inc()
}

func IncActivationFailure(provider string) {
	activationFailureTotal.WithLabelValues(norm(provider)).Inc()
}

func ObserveReconcileDuration(provider, outcome string, d time.Duration) {
	reconcileDuration.WithLabelValues(norm(provider), norm(outcome)).Observe(d.Seconds())
}
