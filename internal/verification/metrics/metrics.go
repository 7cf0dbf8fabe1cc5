// Package metrics provides Prometheus metrics for the verification pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for MessagesTotal.
const (
	OutcomePublished    = "published"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
	OutcomeFailed       = "failed"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	MessagesTotal          *prometheus.CounterVec   // processed messages by outcome
	VerificationsTotal     *prometheus.CounterVec   // completed verifications by status
	VerifyDurationSeconds  prometheus.Histogram     // verification latency including retries
	StoreLookupDuration    *prometheus.HistogramVec // single ExistsBatch call by result
	StoreRetriesTotal      prometheus.Counter       // retried store lookups
	StoreUnavailableTotal  prometheus.Counter       // lookups that exhausted the budget
	PublishDurationSeconds prometheus.Histogram     // broker confirmation latency
	PublishFailuresTotal   prometheus.Counter       // unconfirmed publishes
	DeadLettersTotal       *prometheus.CounterVec   // dead letters by reason
	SettleRetriesTotal     *prometheus.CounterVec   // retried requeues and dead-letter writes
	InFlight               prometheus.Gauge         // messages currently held by workers
	BatchSize              prometheus.Histogram     // unique IDs per lookup
	CircuitState           prometheus.Gauge         // 0 closed, 1 open, 2 half-open
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_messages_total",
			Help: "Inbound messages handled, by outcome",
		}, []string{"outcome"}),

		VerificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_verifications_total",
			Help: "Completed verifications by result status",
		}, []string{"status"}),

		VerifyDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fpverify_verify_duration_seconds",
			Help:    "Duration of a verification including store retries",
			Buckets: prometheus.DefBuckets,
		}),

		StoreLookupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fpverify_store_lookup_duration_seconds",
			Help:    "Duration of one batched existence query",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"result"}),

		StoreRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fpverify_store_retries_total",
			Help: "Store lookups retried after a failure",
		}),

		StoreUnavailableTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fpverify_store_unavailable_total",
			Help: "Verifications that failed because the store was unavailable",
		}),

		PublishDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fpverify_publish_duration_seconds",
			Help:    "Time until the broker confirmed a result",
			Buckets: prometheus.DefBuckets,
		}),

		PublishFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "fpverify_publish_failures_total",
			Help: "Results the broker did not confirm",
		}),

		DeadLettersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_dead_letters_total",
			Help: "Messages routed to the dead-letter sink, by reason",
		}, []string{"reason"}),

		SettleRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_settle_retries_total",
			Help: "Retried settlements of a delivery, by operation",
		}, []string{"operation"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "fpverify_in_flight_messages",
			Help: "Messages currently being processed by workers",
		}),

		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fpverify_lookup_batch_size",
			Help:    "Unique fingerprint IDs per store lookup",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		CircuitState: f.NewGauge(prometheus.GaugeOpts{
			Name: "fpverify_store_circuit_state",
			Help: "Store circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
	}
}

// IncMessage counts one handled message.
func (m *Metrics) IncMessage(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncVerification(status string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveVerify(d time.Duration) {
	if m == nil {
		return
	}
	m.VerifyDurationSeconds.Observe(d.Seconds())
}

// ObserveStoreLookup records one ExistsBatch call; result is "ok", "error"
// or "rejected".
func (m *Metrics) ObserveStoreLookup(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreLookupDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) IncStoreRetry() {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.Inc()
}

func (m *Metrics) IncStoreUnavailable() {
	if m == nil {
		return
	}
	m.StoreUnavailableTotal.Inc()
}

func (m *Metrics) ObservePublish(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.PublishDurationSeconds.Observe(d.Seconds())
	if err != nil {
		m.PublishFailuresTotal.Inc()
	}
}

func (m *Metrics) IncDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.DeadLettersTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSettleRetry(operation string) {
	if m == nil {
		return
	}
	m.SettleRetriesTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

func (m *Metrics) ObserveBatchSize(n int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(n))
}

func (m *Metrics) SetCircuitState(state int) {
	if m == nil {
		return
	}
	m.CircuitState.Set(float64(state))
}
