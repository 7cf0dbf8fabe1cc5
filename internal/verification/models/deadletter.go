package models

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterReason records why a message left the pipeline without a result.
type DeadLetterReason string

const (
	ReasonMalformed        DeadLetterReason = "malformed_message"
	ReasonStoreUnavailable DeadLetterReason = "store_unavailable"
)

// DeadLetter carries an inbound payload that will not be retried.
// Payload is the raw bytes as received, so it can be replayed after a fix.
type DeadLetter struct {
	ID        uuid.UUID        `json:"id"`
	RequestID string           `json:"requestId,omitempty"` // empty when the payload did not parse
	Reason    DeadLetterReason `json:"reason"`
	Cause     string           `json:"cause"`
	Payload   []byte           `json:"payload"`
	Attempt   int              `json:"attempt"`
	FailedAt  time.Time        `json:"failedAt"`
}

// NewDeadLetter stamps a dead letter with a fresh ID and the failure time.
func NewDeadLetter(reason DeadLetterReason, requestID string, payload []byte, attempt int, cause error, now time.Time) DeadLetter {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return DeadLetter{
		ID:        uuid.New(),
		RequestID: requestID,
		Reason:    reason,
		Cause:     msg,
		Payload:   payload,
		Attempt:   attempt,
		FailedAt:  now.UTC(),
	}
}
