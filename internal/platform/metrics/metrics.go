package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for visa validation and sync.
// Callers that hold a nil *Metrics simply record nothing, which keeps unit
// tests free of registry state.
type Metrics struct {
	VisasAccepted prometheus.Counter
	VisasRejected *prometheus.CounterVec
	KeySetFetches prometheus.Counter
	SyncSuccesses prometheus.Counter
	SyncFailures  prometheus.Counter
}

// New creates and registers all metrics on the default registry.
// Call once per process.
func New() *Metrics {
	return &Metrics{
		VisasAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visabroker_visas_accepted_total",
			Help: "Visas that passed validation and were persisted",
		}),
		VisasRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "visabroker_visas_rejected_total",
			Help: "Visas discarded during validation, by reason",
		}, []string{"reason"}),
		KeySetFetches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visabroker_keyset_fetches_total",
			Help: "JWKS fetches triggered by key cache misses",
		}),
		SyncSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visabroker_visa_sync_success_total",
			Help: "Per-user visa syncs that completed",
		}),
		SyncFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "visabroker_visa_sync_failure_total",
			Help: "Per-user visa syncs that failed after retries",
		}),
	}
}

// ObserveVisaRejected records a discarded visa with the given reason label.
func (m *Metrics) ObserveVisaRejected(reason string) {
	if m == nil {
		return
	}
	m.VisasRejected.WithLabelValues(reason).Inc()
}

// ObserveVisaAccepted records a persisted visa.
func (m *Metrics) ObserveVisaAccepted() {
	if m == nil {
		return
	}
	m.VisasAccepted.Inc()
}

// ObserveKeySetFetch records a JWKS fetch.
func (m *Metrics) ObserveKeySetFetch() {
	if m == nil {
		return
	}
	m.KeySetFetches.Inc()
}

// ObserveSync records the outcome of one user's sync.
func (m *Metrics) ObserveSync(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.SyncSuccesses.Inc()
	} else {
		m.SyncFailures.Inc()
	}
}
