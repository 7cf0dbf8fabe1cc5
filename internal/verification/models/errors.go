package models

import (
	dErrors "fpverify/pkg/domain-errors"
)

// Sentinels for errors.Is checks. Matching is by code, so any error built by
// the constructors below matches its sentinel regardless of message.
var (
	ErrMalformedMessage = dErrors.New(dErrors.CodeMalformedMessage, "malformed message")
	ErrStoreUnavailable = dErrors.New(dErrors.CodeStoreUnavailable, "fingerprint store unavailable")
	ErrPublish          = dErrors.New(dErrors.CodePublishFailed, "publish failed")
)

// NewMalformedMessageError marks a payload that can never be processed.
func NewMalformedMessageError(cause error) error {
	return dErrors.WithCode(cause, dErrors.CodeMalformedMessage, "malformed message: "+cause.Error())
}

// NewStoreUnavailableError marks a lookup that did not complete within the
// retry budget or the processing deadline.
func NewStoreUnavailableError(cause error) error {
	return dErrors.WithCode(cause, dErrors.CodeStoreUnavailable, "fingerprint store unavailable: "+cause.Error())
}

// NewPublishError marks a result the broker did not confirm.
func NewPublishError(requestID string, cause error) error {
	return dErrors.WithCode(cause, dErrors.CodePublishFailed, "publish result "+requestID+": "+cause.Error())
}

func IsMalformedMessage(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeMalformedMessage)
}

func IsStoreUnavailable(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeStoreUnavailable)
}

func IsPublishError(err error) bool {
	return dErrors.HasCode(err, dErrors.CodePublishFailed)
}
