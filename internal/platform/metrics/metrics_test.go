package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTransportMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncConsumed("requests")
	m.SetUncommitted(4)
	m.IncCommits()
	m.IncRebalance("revoked")
	m.ObserveProduce("results", 0.01, nil)
	m.ObserveProduce("results", 0.02, errors.New("not leader"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesConsumed.WithLabelValues("requests")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.UncommittedMessages))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OffsetCommits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rebalances.WithLabelValues("revoked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesProduced.WithLabelValues("results")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProduceErrors.WithLabelValues("results")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncConsumed("t")
		m.IncCommitError()
		m.IncConsumerError()
		m.ObserveProduce("t", 1, nil)
	})
}
