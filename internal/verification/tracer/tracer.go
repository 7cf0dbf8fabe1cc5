// Package tracer is a thin tracing abstraction for the verification pipeline.
//
// Components depend on the Tracer interface rather than on OpenTelemetry
// directly. NoopTracer is used in tests; OTelTracer in the worker binary.
package tracer

import (
	"context"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span. A non-nil err marks the span as failed.
	// End must be called exactly once, typically via defer.
	End(err error)

	SetAttributes(attrs ...Attribute)

	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	// Start creates a span and returns a context carrying it.
	//
	//   ctx, span := tr.Start(ctx, tracer.SpanVerify,
	//       tracer.String(tracer.AttrRequestID, req.RequestID),
	//   )
	//   defer span.End(err)
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: int64(value)}
}

func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names.
const (
	SpanVerify      = "verification.verify"
	SpanStoreLookup = "verification.store.exists_batch"
	SpanPublish     = "verification.publish"
)

// Attribute keys.
const (
	AttrRequestID     = "request_id"
	AttrRequestedIDs  = "fingerprints.requested"
	AttrUniqueIDs     = "fingerprints.unique"
	AttrMissingIDs    = "fingerprints.missing"
	AttrStatus        = "verification.status"
	AttrStoreAttempts = "store.attempts"
	AttrCircuitState  = "store.circuit_state"
)

// Event names.
const (
	EventStoreRetry    = "store.retry"
	EventCircuitOpened = "store.circuit_opened"
)
