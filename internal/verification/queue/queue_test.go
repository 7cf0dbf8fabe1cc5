package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"fpverify/internal/platform/kafka/consumer"
	"fpverify/internal/platform/kafka/producer"
	"fpverify/internal/verification/models"
)

type recordingProducer struct {
	mu       sync.Mutex
	messages []*producer.Message
	err      error
}

func (p *recordingProducer) Produce(_ context.Context, msg *producer.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingProducer) last() *producer.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[len(p.messages)-1]
}

type KafkaAdaptersSuite struct {
	suite.Suite
	producer *recordingProducer
}

func TestKafkaAdaptersSuite(t *testing.T) {
	suite.Run(t, new(KafkaAdaptersSuite))
}

func (s *KafkaAdaptersSuite) SetupTest() {
	s.producer = &recordingProducer{}
}

func (s *KafkaAdaptersSuite) TestResultPublisherKeysByRequestID() {
	pub := NewResultPublisher(s.producer, "results")

	err := pub.Publish(context.Background(), models.NewVerificationResult("r1", []string{"b"}))
	s.Require().NoError(err)

	msg := s.producer.last()
	s.Equal("results", msg.Topic)
	s.Equal("r1", string(msg.Key))
	s.JSONEq(`{"requestId":"r1","status":"partial","missingIds":["b"]}`, string(msg.Value))
	s.Equal("partial", msg.Headers[HeaderResultStatus])
	s.Equal("application/json", msg.Headers[HeaderContentType])
}

func (s *KafkaAdaptersSuite) TestResultPublisherFailureIsPublishError() {
	s.producer.err = errors.New("NOT_ENOUGH_REPLICAS")
	pub := NewResultPublisher(s.producer, "results")

	err := pub.Publish(context.Background(), models.NewVerificationResult("r2", nil))
	s.Require().Error(err)
	s.True(models.IsPublishError(err))
	s.ErrorIs(err, s.producer.err)
}

func (s *KafkaAdaptersSuite) TestDeadLetterPublisherCarriesFailure() {
	pub := NewDeadLetterPublisher(s.producer, "dlq")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	letter := models.NewDeadLetter(models.ReasonMalformed, "", []byte("not-json"), 1, errors.New("decode payload"), now)

	s.Require().NoError(pub.DeadLetter(context.Background(), letter))

	msg := s.producer.last()
	s.Equal("dlq", msg.Topic)
	s.Equal(letter.ID.String(), string(msg.Key), "unparsed payloads are keyed by letter id")
	s.Equal([]byte("not-json"), msg.Value)
	s.Equal("malformed_message", msg.Headers[HeaderDeadLetterReason])
	s.Equal("decode payload", msg.Headers[HeaderDeadLetterError])
	s.Equal("1", msg.Headers[consumer.AttemptHeader])
	s.Equal("2026-03-01T12:00:00Z", msg.Headers[HeaderFailedAt])
	_, err := uuid.Parse(msg.Headers[HeaderDeadLetterID])
	s.NoError(err)
}

func (s *KafkaAdaptersSuite) TestDeadLetterKeyedByRequestWhenKnown() {
	pub := NewDeadLetterPublisher(s.producer, "dlq")
	letter := models.NewDeadLetter(models.ReasonStoreUnavailable, "r9", []byte(`{}`), 5, errors.New("timeout"), time.Now())

	s.Require().NoError(pub.DeadLetter(context.Background(), letter))
	s.Equal("r9", string(s.producer.last().Key))
	s.Equal("r9", s.producer.last().Headers[HeaderRequestID])
}

func (s *KafkaAdaptersSuite) TestRequeuerAdvancesAttempt() {
	r := NewRequeuer(s.producer)
	msg := &consumer.Message{
		Topic:   "requests",
		Key:     []byte("r1"),
		Value:   []byte(`{"requestId":"r1","fingerprintIds":["a"]}`),
		Headers: map[string]string{"trace-id": "t1", consumer.AttemptHeader: "1"},
	}

	s.Require().NoError(r.Requeue(context.Background(), msg, 2))

	out := s.producer.last()
	s.Equal("requests", out.Topic)
	s.Equal(msg.Value, out.Value)
	s.Equal("2", out.Headers[consumer.AttemptHeader])
	s.Equal("t1", out.Headers["trace-id"])
	s.Equal("1", msg.Headers[consumer.AttemptHeader], "original headers untouched")
}

func (s *KafkaAdaptersSuite) TestKafkaInboundHandleRespectsContext() {
	in := NewKafkaInbound(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := in.Handle(ctx, &consumer.Delivery{})
	s.ErrorIs(err, context.Canceled)

	in.Close()
	in.Close()
	_, open := <-in.Deliveries()
	s.False(open)
}

func TestMemoryQueueRedeliversNacked(t *testing.T) {
	q := NewMemory(4)
	require.NoError(t, q.Publish(context.Background(), []byte("m")))

	first := <-q.Deliveries()
	assert.Equal(t, 1, first.Attempt())
	require.NoError(t, first.Nack(context.Background()))
	assert.Error(t, first.Ack(context.Background()), "settled once")

	select {
	case second := <-q.Deliveries():
		assert.Equal(t, 2, second.Attempt())
		assert.Equal(t, []byte("m"), second.Body())
		require.NoError(t, second.Ack(context.Background()))
	case <-time.After(time.Second):
		t.Fatal("nacked delivery was not redelivered")
	}

	assert.Equal(t, 1, q.Acks())
	assert.Equal(t, 1, q.Nacks())
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemory(0)
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Publish(context.Background(), []byte("x")), ErrQueueClosed)
	_, open := <-q.Deliveries()
	assert.False(t, open)
}

func TestMemoryQueueCloseUnblocksPublisher(t *testing.T) {
	q := NewMemory(0)
	errc := make(chan error, 1)
	go func() { errc <- q.Publish(context.Background(), []byte("x")) }()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked after close")
	}
}

func TestMemoryRecorders(t *testing.T) {
	results := &MemoryResults{Fail: func(r models.VerificationResult) error {
		if r.RequestID() == "bad" {
			return errors.New("broker down")
		}
		return nil
	}}
	require.NoError(t, results.Publish(context.Background(), models.NewVerificationResult("ok", nil)))
	err := results.Publish(context.Background(), models.NewVerificationResult("bad", nil))
	assert.True(t, models.IsPublishError(err))
	assert.Len(t, results.Results(), 1)

	letters := &MemoryDeadLetters{}
	require.NoError(t, letters.DeadLetter(context.Background(), models.DeadLetter{Reason: models.ReasonMalformed}))
	assert.Len(t, letters.Letters(), 1)
}
