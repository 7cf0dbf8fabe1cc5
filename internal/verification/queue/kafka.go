// Package queue adapts the Kafka transport to the verification pipeline and
// provides an in-memory equivalent for tests.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"fpverify/internal/platform/kafka/consumer"
	"fpverify/internal/platform/kafka/producer"
	"fpverify/internal/verification/models"
	"fpverify/internal/verification/ports"
)

// Header names written by the adapters.
const (
	HeaderContentType      = "content-type"
	HeaderResultStatus     = "x-result-status"
	HeaderDeadLetterID     = "x-dead-letter-id"
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderDeadLetterError  = "x-dead-letter-error"
	HeaderFailedAt         = "x-failed-at"
	HeaderRequestID        = "x-request-id"
)

// Producer is the subset of producer.Producer the adapters need.
type Producer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// ResultPublisher writes results to the outbound topic keyed by requestId,
// so duplicates of one request land on the same partition.
type ResultPublisher struct {
	producer Producer
	topic    string
}

func NewResultPublisher(p Producer, topic string) *ResultPublisher {
	return &ResultPublisher{producer: p, topic: topic}
}

// Publish returns once the broker acknowledged the result, or a PublishError.
func (p *ResultPublisher) Publish(ctx context.Context, result models.VerificationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return models.NewPublishError(result.RequestID(), err)
	}
	err = p.producer.Produce(ctx, &producer.Message{
		Topic: p.topic,
		Key:   []byte(result.RequestID()),
		Value: payload,
		Headers: map[string]string{
			HeaderContentType:  "application/json",
			HeaderResultStatus: string(result.Status()),
		},
	})
	if err != nil {
		return models.NewPublishError(result.RequestID(), err)
	}
	return nil
}

// DeadLetterPublisher writes the raw payload to the dead-letter topic with
// the failure described in headers.
type DeadLetterPublisher struct {
	producer Producer
	topic    string
}

func NewDeadLetterPublisher(p Producer, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{producer: p, topic: topic}
}

func (p *DeadLetterPublisher) DeadLetter(ctx context.Context, letter models.DeadLetter) error {
	key := letter.RequestID
	if key == "" {
		key = letter.ID.String()
	}
	return p.producer.Produce(ctx, &producer.Message{
		Topic: p.topic,
		Key:   []byte(key),
		Value: letter.Payload,
		Headers: map[string]string{
			HeaderDeadLetterID:     letter.ID.String(),
			HeaderDeadLetterReason: string(letter.Reason),
			HeaderDeadLetterError:  letter.Cause,
			HeaderRequestID:        letter.RequestID,
			HeaderFailedAt:         letter.FailedAt.Format(time.RFC3339Nano),
			consumer.AttemptHeader: strconv.Itoa(letter.Attempt),
		},
	})
}

// Requeuer republishes a message to the topic it came from with the attempt
// header advanced. Other headers are carried over.
type Requeuer struct {
	producer Producer
}

func NewRequeuer(p Producer) *Requeuer {
	return &Requeuer{producer: p}
}

func (r *Requeuer) Requeue(ctx context.Context, msg *consumer.Message, attempt int) error {
	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[consumer.AttemptHeader] = strconv.Itoa(attempt)
	return r.producer.Produce(ctx, &producer.Message{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	})
}

// KafkaInbound turns the consumer's push callbacks into a delivery channel.
// The poll loop blocks while the channel is full, which bounds how far
// polling runs ahead of the workers.
type KafkaInbound struct {
	ch        chan ports.Delivery
	closeOnce sync.Once
}

func NewKafkaInbound(buffer int) *KafkaInbound {
	if buffer < 0 {
		buffer = 0
	}
	return &KafkaInbound{ch: make(chan ports.Delivery, buffer)}
}

// Handle implements consumer.Handler.
func (k *KafkaInbound) Handle(ctx context.Context, d *consumer.Delivery) error {
	select {
	case k.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KafkaInbound) Deliveries() <-chan ports.Delivery {
	return k.ch
}

// Close ends the delivery stream. Call it only after the consumer's poll
// loop has stopped.
func (k *KafkaInbound) Close() {
	k.closeOnce.Do(func() { close(k.ch) })
}

var (
	_ ports.ResultPublisher = (*ResultPublisher)(nil)
	_ ports.DeadLetterSink  = (*DeadLetterPublisher)(nil)
	_ ports.Inbound         = (*KafkaInbound)(nil)
	_ consumer.Handler      = (*KafkaInbound)(nil)
	_ consumer.Requeuer     = (*Requeuer)(nil)
	_ ports.Delivery        = (*consumer.Delivery)(nil)
)
