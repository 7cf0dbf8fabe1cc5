package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type OffsetTrackerSuite struct {
	suite.Suite
	tracker *offsetTracker
}

func TestOffsetTrackerSuite(t *testing.T) {
	suite.Run(t, new(OffsetTrackerSuite))
}

func (s *OffsetTrackerSuite) SetupTest() {
	s.tracker = newOffsetTracker()
}

func (s *OffsetTrackerSuite) trackRange(topic string, partition int32, from, to int64) uint64 {
	var gen uint64
	for off := from; off <= to; off++ {
		gen = s.tracker.track(topic, partition, off)
	}
	return gen
}

func offsets(tps []kafka.TopicPartition) map[int32]int64 {
	out := make(map[int32]int64, len(tps))
	for _, tp := range tps {
		out[tp.Partition] = int64(tp.Offset)
	}
	return out
}

func (s *OffsetTrackerSuite) TestNothingCommitableUntilSettled() {
	s.trackRange("in", 0, 10, 12)
	s.Empty(s.tracker.commitable())
	s.Equal(3, s.tracker.inFlight())
}

func (s *OffsetTrackerSuite) TestOutOfOrderSettlementHoldsWatermark() {
	gen := s.trackRange("in", 0, 10, 13)

	s.True(s.tracker.markDone("in", 0, 12, gen))
	s.True(s.tracker.markDone("in", 0, 11, gen))
	s.Empty(s.tracker.commitable(), "offset 10 is still in flight")

	s.True(s.tracker.markDone("in", 0, 10, gen))
	s.Equal(map[int32]int64{0: 13}, offsets(s.tracker.commitable()), "commits next offset to read")
	s.Equal(1, s.tracker.inFlight())

	s.Empty(s.tracker.commitable(), "unchanged watermark is not recommitted")

	s.True(s.tracker.markDone("in", 0, 13, gen))
	s.Equal(map[int32]int64{0: 14}, offsets(s.tracker.commitable()))
}

func (s *OffsetTrackerSuite) TestPartitionsAreIndependent() {
	g0 := s.trackRange("in", 0, 0, 1)
	g1 := s.trackRange("in", 1, 100, 101)

	s.tracker.markDone("in", 1, 100, g1)
	s.tracker.markDone("in", 0, 1, g0)

	s.Equal(map[int32]int64{1: 101}, offsets(s.tracker.commitable()))
}

func (s *OffsetTrackerSuite) TestRestoreAfterFailedCommit() {
	gen := s.trackRange("in", 0, 5, 5)
	s.tracker.markDone("in", 0, 5, gen)

	tps := s.tracker.commitable()
	s.Require().Len(tps, 1)
	s.tracker.restore(tps)
	s.Equal(map[int32]int64{0: 6}, offsets(s.tracker.commitable()))
}

func (s *OffsetTrackerSuite) TestRevokeDropsLateSettlements() {
	oldGen := s.trackRange("in", 0, 0, 2)
	topic := "in"
	s.tracker.revoke([]kafka.TopicPartition{{Topic: &topic, Partition: 0}})

	s.False(s.tracker.markDone("in", 0, 0, oldGen))

	newGen := s.trackRange("in", 0, 0, 0)
	s.NotEqual(oldGen, newGen)
	s.False(s.tracker.markDone("in", 0, 1, oldGen), "stale generation after reassignment")
	s.True(s.tracker.markDone("in", 0, 0, newGen))
	s.Equal(map[int32]int64{0: 1}, offsets(s.tracker.commitable()))
}

func (s *OffsetTrackerSuite) TestConcurrentSettlement() {
	const n = 500
	gen := s.trackRange("in", 0, 0, n-1)

	var wg sync.WaitGroup
	for off := int64(n - 1); off >= 0; off-- {
		wg.Add(1)
		go func(o int64) {
			defer wg.Done()
			s.tracker.markDone("in", 0, o, gen)
		}(off)
	}
	wg.Wait()

	s.Equal(map[int32]int64{0: n}, offsets(s.tracker.commitable()))
	s.Zero(s.tracker.inFlight())
}

type fakeRequeuer struct {
	mu       sync.Mutex
	err      error
	attempts []int
}

func (f *fakeRequeuer) Requeue(_ context.Context, _ *Message, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.attempts = append(f.attempts, attempt)
	return nil
}

func newTestConsumer(r Requeuer) *Consumer {
	return &Consumer{
		tracker:  newOffsetTracker(),
		requeuer: r,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestDelivery(c *Consumer, offset int64, headers map[string]string) *Delivery {
	msg := &Message{Topic: "in", Partition: 0, Offset: offset, Value: []byte(`{}`), Headers: headers}
	return &Delivery{msg: msg, consumer: c, generation: c.tracker.track(msg.Topic, msg.Partition, msg.Offset)}
}

func TestDeliveryAckSettlesOnce(t *testing.T) {
	c := newTestConsumer(nil)
	d := newTestDelivery(c, 0, nil)

	require.NoError(t, d.Ack(context.Background()))
	assert.ErrorIs(t, d.Ack(context.Background()), ErrAlreadySettled)
	assert.ErrorIs(t, d.Nack(context.Background()), ErrAlreadySettled)
	assert.Equal(t, map[int32]int64{0: 1}, offsets(c.tracker.commitable()))
}

func TestDeliveryNackRequeuesWithNextAttempt(t *testing.T) {
	r := &fakeRequeuer{}
	c := newTestConsumer(r)
	d := newTestDelivery(c, 0, map[string]string{AttemptHeader: "2"})

	require.Equal(t, 2, d.Attempt())
	require.NoError(t, d.Nack(context.Background()))
	assert.Equal(t, []int{3}, r.attempts)
	assert.Equal(t, map[int32]int64{0: 1}, offsets(c.tracker.commitable()), "requeued original is settled")
}

func TestDeliveryNackFailureLeavesOffsetPending(t *testing.T) {
	r := &fakeRequeuer{err: errors.New("broker unavailable")}
	c := newTestConsumer(r)
	d := newTestDelivery(c, 0, nil)

	err := d.Nack(context.Background())
	require.Error(t, err)
	assert.Empty(t, c.tracker.commitable())
	assert.Equal(t, 1, c.tracker.inFlight())

	r.err = nil
	assert.NoError(t, d.Nack(context.Background()), "delivery can be settled after a failed requeue")
}

func TestDeliveryNackWithoutRequeuer(t *testing.T) {
	c := newTestConsumer(nil)
	d := newTestDelivery(c, 0, nil)
	assert.ErrorIs(t, d.Nack(context.Background()), ErrNoRequeuer)
	assert.Empty(t, c.tracker.commitable())
}

func TestMessageAttempt(t *testing.T) {
	assert.Equal(t, 1, (&Message{}).Attempt())
	assert.Equal(t, 1, (&Message{Headers: map[string]string{AttemptHeader: "junk"}}).Attempt())
	assert.Equal(t, 1, (&Message{Headers: map[string]string{AttemptHeader: "0"}}).Attempt())
	assert.Equal(t, 4, (&Message{Headers: map[string]string{AttemptHeader: "4"}}).Attempt())
}
