package ports

//go:generate mockgen -source=ports.go -destination=mocks/ports_mock.go -package=mocks

import (
	"context"

	"fpverify/internal/verification/models"
)

// Delivery is one inbound message awaiting a decision.
// Exactly one of Ack or Nack should be called per delivery.
type Delivery interface {
	// Body returns the raw payload as received.
	Body() []byte
	// Attempt is 1 on first delivery and grows with each requeue.
	Attempt() int
	// Ack confirms the message is fully handled and may be forgotten.
	Ack(ctx context.Context) error
	// Nack hands the message back to the transport for redelivery.
	Nack(ctx context.Context) error
}

// Inbound yields deliveries until it is closed or the consumer stops.
type Inbound interface {
	Deliveries() <-chan Delivery
}

// FingerprintStore answers existence for a batch of fingerprint IDs in one
// round trip. IDs absent from the returned map are treated as missing.
type FingerprintStore interface {
	ExistsBatch(ctx context.Context, ids []string) (map[string]bool, error)
}

// ResultPublisher sends a result and returns only once the broker confirmed it.
type ResultPublisher interface {
	Publish(ctx context.Context, result models.VerificationResult) error
}

// DeadLetterSink persists messages that will not be retried.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, letter models.DeadLetter) error
}
