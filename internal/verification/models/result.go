package models

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Status classifies a verification outcome.
type Status string

const (
	// StatusVerified means every requested fingerprint was found.
	StatusVerified Status = "verified"
	// StatusPartial means at least one requested fingerprint was absent.
	StatusPartial Status = "partial"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return s == StatusVerified || s == StatusPartial
}

// VerificationResult is the outbound message for one processed request.
// It is immutable once constructed; accessors return copies.
type VerificationResult struct {
	requestID  string
	status     Status
	missingIDs []string
}

// NewVerificationResult derives the status from the missing set: no missing
// IDs means verified, anything else partial.
func NewVerificationResult(requestID string, missingIDs []string) VerificationResult {
	missing := make([]string, len(missingIDs))
	copy(missing, missingIDs)

	status := StatusVerified
	if len(missing) > 0 {
		status = StatusPartial
	}
	return VerificationResult{
		requestID:  requestID,
		status:     status,
		missingIDs: missing,
	}
}

func (r VerificationResult) RequestID() string { return r.requestID }
func (r VerificationResult) Status() Status    { return r.status }

// MissingIDs returns the absent fingerprint IDs in first-seen order.
func (r VerificationResult) MissingIDs() []string {
	return slices.Clone(r.missingIDs)
}

type resultPayload struct {
	RequestID  string   `json:"requestId"`
	Status     Status   `json:"status"`
	MissingIDs []string `json:"missingIds"`
}

// MarshalJSON always emits missingIds as an array, never null.
func (r VerificationResult) MarshalJSON() ([]byte, error) {
	missing := r.missingIDs
	if missing == nil {
		missing = []string{}
	}
	return json.Marshal(resultPayload{
		RequestID:  r.requestID,
		Status:     r.status,
		MissingIDs: missing,
	})
}

// UnmarshalJSON decodes a result published by this service. The status must
// agree with the missing set.
func (r *VerificationResult) UnmarshalJSON(data []byte) error {
	var p resultPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("unknown verification status %q", p.Status)
	}
	decoded := NewVerificationResult(p.RequestID, p.MissingIDs)
	if decoded.status != p.Status {
		return fmt.Errorf("status %q inconsistent with %d missing ids", p.Status, len(p.MissingIDs))
	}
	*r = decoded
	return nil
}
