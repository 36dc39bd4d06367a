package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		WebhookRequests,
		RedirectRequests,
	)
}

var (
	// result: ok|fail
	// reason (fail only): bad_body|unknown_provider|internal|method_not_allowed
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhook_requests_total",
			Help: "Count of provider webhook deliveries by provider, result and reason.",
		},
		[]string{"provider", "result", "reason"},
	)

	RedirectRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_redirect_requests_total",
			Help: "Count of browser redirect returns by provider and result.",
		},
		[]string{"provider", "result"},
	)
)
