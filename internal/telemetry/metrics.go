package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimsGranted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_claims_granted_total", Help: "Claims that won the lease"})
	ClaimConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_claim_conflicts_total", Help: "Claims that lost a race or hit a non-available request"})
	PaymentDeclines  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_payment_declines_total", Help: "Claims rolled back after payment authorization failed"})
	Releases         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bank_releases_total", Help: "Leases released, by reason"}, []string{"reason"})
	Fulfillments     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_fulfillments_total", Help: "Requests fulfilled"})
	SweepReclaims    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_sweep_reclaims_total", Help: "Expired leases reclaimed by the sweeper"})
	SweepErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_sweep_errors_total", Help: "Per-record sweep failures, skipped and retried next tick"})
	EventsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_events_published_total", Help: "Change events published to the broadcast channel"})
	Subscribers      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bank_event_subscribers", Help: "Open event stream subscriptions"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bank_rate_limit_rejects_total", Help: "Claim attempts rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimsGranted,
			ClaimConflicts,
			PaymentDeclines,
			Releases,
			Fulfillments,
			SweepReclaims,
			SweepErrors,
			EventsPublished,
			Subscribers,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
