package kafka

import (
	"errors"
	"strings"
)

// Topics names the three topics the worker touches.
type Topics struct {
	Inbound    string
	Outbound   string
	DeadLetter string
}

// DefaultTopics returns the topic names used when none are configured.
func DefaultTopics() Topics {
	return Topics{
		Inbound:    "fingerprint.verification.requests",
		Outbound:   "fingerprint.verification.results",
		DeadLetter: "fingerprint.verification.dlq",
	}
}

// Validate rejects empty names and a result topic that feeds back into the
// request topic.
func (t Topics) Validate() error {
	if strings.TrimSpace(t.Inbound) == "" {
		return errors.New("inbound topic is required")
	}
	if strings.TrimSpace(t.Outbound) == "" {
		return errors.New("outbound topic is required")
	}
	if t.Inbound == t.Outbound {
		return errors.New("inbound and outbound topics must differ")
	}
	if t.DeadLetter != "" && t.DeadLetter == t.Inbound {
		return errors.New("dead-letter topic must differ from the inbound topic")
	}
	return nil
}

// All returns the configured topic names, skipping empty ones.
func (t Topics) All() []string {
	out := make([]string, 0, 3)
	for _, name := range []string{t.Inbound, t.Outbound, t.DeadLetter} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
