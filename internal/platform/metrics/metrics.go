package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the transport-level Prometheus metrics shared by the Kafka
// consumer and producer.
type Metrics struct {
	MessagesConsumed    *prometheus.CounterVec
	UncommittedMessages prometheus.Gauge
	OffsetCommits       prometheus.Counter
	OffsetCommitErrors  prometheus.Counter
	ConsumerErrors      prometheus.Counter
	Rebalances          *prometheus.CounterVec
	// Producer metrics
	MessagesProduced *prometheus.CounterVec
	ProduceErrors    *prometheus.CounterVec
	ProduceLatency   *prometheus.HistogramVec
}

// New creates and registers the transport metrics with reg.
// A nil reg registers with the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_kafka_messages_consumed_total",
			Help: "Total number of messages polled, labeled by topic",
		}, []string{"topic"}),
		UncommittedMessages: f.NewGauge(prometheus.GaugeOpts{
			Name: "fpverify_kafka_uncommitted_messages",
			Help: "Messages polled whose offsets are not yet committable",
		}),
		OffsetCommits: f.NewCounter(prometheus.CounterOpts{
			Name: "fpverify_kafka_offset_commits_total",
			Help: "Total number of successful offset commits",
		}),
		OffsetCommitErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fpverify_kafka_offset_commit_errors_total",
			Help: "Total number of failed offset commits",
		}),
		ConsumerErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fpverify_kafka_consumer_errors_total",
			Help: "Total number of consumer errors reported by librdkafka",
		}),
		Rebalances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_kafka_rebalances_total",
			Help: "Partition rebalance events, labeled by kind",
		}, []string{"kind"}),
		MessagesProduced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_kafka_messages_produced_total",
			Help: "Total number of messages acknowledged by the broker, labeled by topic",
		}, []string{"topic"}),
		ProduceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fpverify_kafka_produce_errors_total",
			Help: "Total number of failed produce calls, labeled by topic",
		}, []string{"topic"}),
		ProduceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fpverify_kafka_produce_latency_seconds",
			Help:    "Latency of synchronous produce calls in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

// IncConsumed increments the consumed counter for topic
func (m *Metrics) IncConsumed(topic string) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(topic).Inc()
}

func (m *Metrics) SetUncommitted(n int) {
	if m == nil {
		return
	}
	m.UncommittedMessages.Set(float64(n))
}

func (m *Metrics) IncCommits() {
	if m == nil {
		return
	}
	m.OffsetCommits.Inc()
}

func (m *Metrics) IncCommitError() {
	if m == nil {
		return
	}
	m.OffsetCommitErrors.Inc()
}

func (m *Metrics) IncConsumerError() {
	if m == nil {
		return
	}
	m.ConsumerErrors.Inc()
}

// IncRebalance records a rebalance; kind is "assigned" or "revoked"
func (m *Metrics) IncRebalance(kind string) {
	if m == nil {
		return
	}
	m.Rebalances.WithLabelValues(kind).Inc()
}

// ObserveProduce records one synchronous produce call
func (m *Metrics) ObserveProduce(topic string, durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.ProduceLatency.WithLabelValues(topic).Observe(durationSeconds)
	if err != nil {
		m.ProduceErrors.WithLabelValues(topic).Inc()
		return
	}
	m.MessagesProduced.WithLabelValues(topic).Inc()
}
