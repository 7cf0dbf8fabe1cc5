//go:build integration

package consumer_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"fpverify/internal/platform/kafka/consumer"
	"fpverify/internal/platform/kafka/producer"
	"fpverify/pkg/testutil/containers"
)

type ConsumerIntegrationSuite struct {
	suite.Suite
	kafka    *containers.KafkaContainer
	producer *producer.Producer
}

func TestConsumerIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ConsumerIntegrationSuite))
}

func (s *ConsumerIntegrationSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())

	prod, err := producer.New(producer.Config{
		Brokers:         s.kafka.Brokers,
		Acks:            "all",
		DeliveryTimeout: 10 * time.Second,
	}, nil, nil)
	s.Require().NoError(err)
	s.producer = prod
}

func (s *ConsumerIntegrationSuite) TearDownSuite() {
	if s.producer != nil {
		_ = s.producer.Close(5 * time.Second)
	}
}

// collectingHandler keeps deliveries so the test decides when to settle them.
type collectingHandler struct {
	mu         sync.Mutex
	deliveries []*consumer.Delivery
}

func (h *collectingHandler) Handle(_ context.Context, d *consumer.Delivery) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliveries = append(h.deliveries, d)
	return nil
}

func (h *collectingHandler) Deliveries() []*consumer.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*consumer.Delivery, len(h.deliveries))
	copy(out, h.deliveries)
	return out
}

// producerRequeuer republishes to the original topic, as the worker does.
type producerRequeuer struct {
	producer *producer.Producer
}

func (r producerRequeuer) Requeue(ctx context.Context, msg *consumer.Message, attempt int) error {
	headers := map[string]string{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[consumer.AttemptHeader] = strconv.Itoa(attempt)
	return r.producer.Produce(ctx, &producer.Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Headers: headers})
}

func (s *ConsumerIntegrationSuite) produce(topic string, values ...string) {
	for _, v := range values {
		s.Require().NoError(s.producer.Produce(context.Background(), &producer.Message{
			Topic: topic,
			Key:   []byte("k"),
			Value: []byte(v),
		}))
	}
}

func (s *ConsumerIntegrationSuite) start(group, topic string, h consumer.Handler, opts ...consumer.Option) *consumer.Consumer {
	cons, err := consumer.New(consumer.Config{
		Brokers:         s.kafka.Brokers,
		GroupID:         group,
		AutoOffsetReset: "earliest",
		CommitInterval:  100 * time.Millisecond,
	}, h, nil, opts...)
	s.Require().NoError(err)
	s.Require().NoError(cons.Subscribe([]string{topic}))
	cons.Start()
	return cons
}

func (s *ConsumerIntegrationSuite) closeConsumer(c *consumer.Consumer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Require().NoError(c.Close(ctx))
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// TestAckedMessagesAreNotRedelivered verifies settled offsets are committed.
func (s *ConsumerIntegrationSuite) TestAckedMessagesAreNotRedelivered() {
	topic, group := uniqueName("ack"), uniqueName("ack-group")
	s.Require().NoError(s.kafka.CreateTopic(context.Background(), topic, 1, 1))
	s.produce(topic, "m0", "m1", "m2")

	first := &collectingHandler{}
	cons := s.start(group, topic, first)
	s.Eventually(func() bool { return len(first.Deliveries()) == 3 }, 15*time.Second, 100*time.Millisecond)
	for _, d := range first.Deliveries() {
		s.Require().NoError(d.Ack(context.Background()))
	}
	s.closeConsumer(cons)

	s.produce(topic, "m3")
	second := &collectingHandler{}
	cons = s.start(group, topic, second)
	defer s.closeConsumer(cons)

	s.Eventually(func() bool { return len(second.Deliveries()) >= 1 }, 15*time.Second, 100*time.Millisecond)
	s.Equal("m3", string(second.Deliveries()[0].Body()))
}

// TestUnackedPrefixIsRedelivered verifies out-of-order acks never skip an
// unprocessed message.
func (s *ConsumerIntegrationSuite) TestUnackedPrefixIsRedelivered() {
	topic, group := uniqueName("prefix"), uniqueName("prefix-group")
	s.Require().NoError(s.kafka.CreateTopic(context.Background(), topic, 1, 1))
	s.produce(topic, "m0", "m1", "m2")

	first := &collectingHandler{}
	cons := s.start(group, topic, first)
	s.Eventually(func() bool { return len(first.Deliveries()) == 3 }, 15*time.Second, 100*time.Millisecond)
	got := first.Deliveries()
	s.Require().NoError(got[1].Ack(context.Background()))
	s.Require().NoError(got[2].Ack(context.Background()))
	s.closeConsumer(cons)

	second := &collectingHandler{}
	cons = s.start(group, topic, second)
	defer s.closeConsumer(cons)

	s.Eventually(func() bool { return len(second.Deliveries()) >= 1 }, 15*time.Second, 100*time.Millisecond)
	s.Equal("m0", string(second.Deliveries()[0].Body()))
}

// TestNackRequeuesWithIncrementedAttempt verifies the attempt header grows
// on each requeue and the original offset is released.
func (s *ConsumerIntegrationSuite) TestNackRequeuesWithIncrementedAttempt() {
	topic, group := uniqueName("nack"), uniqueName("nack-group")
	s.Require().NoError(s.kafka.CreateTopic(context.Background(), topic, 1, 1))
	s.produce(topic, "retry-me")

	h := &collectingHandler{}
	cons := s.start(group, topic, h, consumer.WithRequeuer(producerRequeuer{s.producer}))
	defer s.closeConsumer(cons)

	s.Eventually(func() bool { return len(h.Deliveries()) == 1 }, 15*time.Second, 100*time.Millisecond)
	first := h.Deliveries()[0]
	s.Equal(1, first.Attempt())
	s.Require().NoError(first.Nack(context.Background()))

	s.Eventually(func() bool { return len(h.Deliveries()) == 2 }, 15*time.Second, 100*time.Millisecond)
	second := h.Deliveries()[1]
	s.Equal("retry-me", string(second.Body()))
	s.Equal(2, second.Attempt())
	s.Require().NoError(second.Ack(context.Background()))
}

// TestConsumerPreservesHeaders verifies header delivery.
func (s *ConsumerIntegrationSuite) TestConsumerPreservesHeaders() {
	ctx := context.Background()
	topic, group := uniqueName("headers"), uniqueName("headers-group")
	s.Require().NoError(s.kafka.CreateTopic(ctx, topic, 1, 1))

	s.Require().NoError(s.producer.Produce(ctx, &producer.Message{
		Topic:   topic,
		Key:     []byte("r1"),
		Value:   []byte(`{"requestId":"r1","fingerprintIds":["a"]}`),
		Headers: map[string]string{"trace-id": "abc123"},
	}))

	h := &collectingHandler{}
	cons := s.start(group, topic, h)
	defer s.closeConsumer(cons)

	s.Eventually(func() bool { return len(h.Deliveries()) >= 1 }, 15*time.Second, 100*time.Millisecond)
	msg := h.Deliveries()[0].Message()
	s.Equal("abc123", msg.Headers["trace-id"])
	s.Equal("r1", string(msg.Key))
}
