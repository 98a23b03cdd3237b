// Package metrics exposes Prometheus collectors for the metering core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains Prometheus metrics for the metering core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Authorization requests
	authorizations *prometheus.CounterVec

	// Settlements
	settlements      *prometheus.CounterVec
	overageFailures  prometheus.Counter
	settlementAmount *prometheus.CounterVec

	// Expiry reconciler
	reconcilerExpired  prometheus.Counter
	reconcilerRaceLost prometheus.Counter
	reconcilerFailures prometheus.Counter
	reconcilerBacklog  prometheus.Gauge
	sweepDuration      prometheus.Histogram

	// Price cache
	priceCacheLookups *prometheus.CounterVec

	// Call record retention
	retentionDeleted prometheus.Counter
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		authorizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_authorizations_total",
				Help: "Authorization requests by result",
			},
			[]string{"result"},
		),

		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_settlements_total",
				Help: "Settlement reports by outcome and result",
			},
			[]string{"outcome", "result"},
		),

		overageFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_overage_failures_total",
				Help: "Settlements rejected because overage could not be covered",
			},
		),

		settlementAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_settled_quota_total",
				Help: "Quota moved by settlements, by direction",
			},
			[]string{"direction"},
		),

		reconcilerExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_reconciler_expired_total",
				Help: "Authorizations expired and refunded by the reconciler",
			},
		),

		reconcilerRaceLost: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_reconciler_race_lost_total",
				Help: "Authorizations already finalized when the reconciler reached them",
			},
		),

		reconcilerFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_reconciler_failures_total",
				Help: "Authorizations the reconciler failed to expire",
			},
		),

		reconcilerBacklog: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "metering_reconciler_last_scanned",
				Help: "Expired authorizations scanned by the last sweep",
			},
		),

		sweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "metering_reconciler_sweep_duration_seconds",
				Help:    "Duration of reconciler sweeps in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
			},
		),

		priceCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metering_price_cache_lookups_total",
				Help: "Price resolver cache lookups by result",
			},
			[]string{"result"},
		),

		retentionDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metering_call_records_deleted_total",
				Help: "Call records removed by retention",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordAuthorization records an authorization request result.
func (m *Metrics) RecordAuthorization(result string) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(result).Inc()
}

// RecordSettlement records a settlement report result.
func (m *Metrics) RecordSettlement(outcome, result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome, result).Inc()
}

// RecordOverageFailure counts a settlement that needs operator attention.
func (m *Metrics) RecordOverageFailure() {
	if m == nil {
		return
	}
	m.overageFailures.Inc()
}

// RecordSettledAmounts adds converted, released and overage quota.
func (m *Metrics) RecordSettledAmounts(converted, released, overage float64) {
	if m == nil {
		return
	}
	m.settlementAmount.WithLabelValues("converted").Add(converted)
	m.settlementAmount.WithLabelValues("released").Add(released)
	m.settlementAmount.WithLabelValues("overage").Add(overage)
}

// RecordSweep records one reconciler sweep.
func (m *Metrics) RecordSweep(scanned, expired, raceLost, failures int, duration time.Duration) {
	if m == nil {
		return
	}
	m.reconcilerBacklog.Set(float64(scanned))
	m.reconcilerExpired.Add(float64(expired))
	m.reconcilerRaceLost.Add(float64(raceLost))
	m.reconcilerFailures.Add(float64(failures))
	m.sweepDuration.Observe(duration.Seconds())
}

// RecordPriceCacheLookup records a cache hit, miss or error.
func (m *Metrics) RecordPriceCacheLookup(result string) {
	if m == nil {
		return
	}
	m.priceCacheLookups.WithLabelValues(result).Inc()
}

// RecordRetentionDeleted adds call records removed by retention.
func (m *Metrics) RecordRetentionDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(n))
}
