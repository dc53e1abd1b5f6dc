// Package metrics exposes the prometheus collectors for claims, advances,
// lease renewals, retries, and signal posts/deliveries, per SPEC_FULL §2
// ("Metrics") and §3's dependency table. The Worker increments the claim,
// advance, lease-renewal, and retry collectors; SignalsPosted and
// SignalsDelivered are registered, but nothing in this module increments
// them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of collectors shared across a durableflowd process.
// Callers that don't want a registry use NoOp, which returns a usable,
// non-nil *Metrics, so the Worker never needs nil checks.
type Metrics struct {
	Claims          prometheus.Counter
	ClaimEmpty      prometheus.Counter
	Advances        *prometheus.CounterVec
	AdvanceDuration prometheus.Histogram
	LeaseRenewals   *prometheus.CounterVec
	SignalsPosted   prometheus.Counter
	SignalsDelivered prometheus.Counter
	Retries         prometheus.Counter
}

// New registers and returns a fresh Metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durableflow", Subsystem: "worker", Name: "claims_total",
			Help: "Executions successfully claimed by this worker.",
		}),
		ClaimEmpty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durableflow", Subsystem: "worker", Name: "claim_empty_total",
			Help: "Poll ticks where Claim found nothing claimable.",
		}),
		Advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durableflow", Subsystem: "executor", Name: "advances_total",
			Help: "Executor.advance calls, labeled by resulting outcome kind.",
		}, []string{"outcome"}),
		AdvanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "durableflow", Subsystem: "executor", Name: "advance_duration_seconds",
			Help:    "Wall-clock duration of one Executor.advance call.",
			Buckets: prometheus.DefBuckets,
		}),
		LeaseRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "durableflow", Subsystem: "worker", Name: "lease_renewals_total",
			Help: "Lease renewal attempts, labeled by result (ok|lost|error).",
		}, []string{"result"}),
		SignalsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durableflow", Subsystem: "signalbus", Name: "signals_posted_total",
			Help: "SignalBus.Post calls.",
		}),
		SignalsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durableflow", Subsystem: "signalbus", Name: "signals_delivered_total",
			Help: "Executions whose waiter was flipped ready by a Post call.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "durableflow", Subsystem: "executor", Name: "retries_total",
			Help: "Failed attempts the retry policy advised retrying.",
		}),
	}

	reg.MustRegister(m.Claims, m.ClaimEmpty, m.Advances, m.AdvanceDuration, m.LeaseRenewals, m.SignalsPosted, m.SignalsDelivered, m.Retries)
	return m
}

// NoOp returns a Metrics registered on a fresh private registry that
// nothing exposes, for callers (such as tests) that want the same call
// sites to work without wiring a real collector.
func NoOp() *Metrics {
	return New(prometheus.NewRegistry())
}
