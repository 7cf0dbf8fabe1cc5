package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// HealthChecker checks that the cluster answers metadata requests and that
// the worker's topics exist.
type HealthChecker struct {
	admin   *kadm.Client
	topics  []string
	timeout time.Duration
}

// NewHealthChecker creates a checker over an existing franz-go client.
func NewHealthChecker(client *kgo.Client, topics ...string) *HealthChecker {
	return &HealthChecker{
		admin:   kadm.NewClient(client),
		topics:  topics,
		timeout: 5 * time.Second,
	}
}

// Check returns nil when at least one broker is reachable and every
// configured topic is known to the cluster.
func (h *HealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	brokers, err := h.admin.ListBrokers(ctx)
	if err != nil {
		return fmt.Errorf("list kafka brokers: %w", err)
	}
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers reachable")
	}
	if len(h.topics) == 0 {
		return nil
	}

	details, err := h.admin.ListTopics(ctx, h.topics...)
	if err != nil {
		return fmt.Errorf("list kafka topics: %w", err)
	}
	for _, name := range h.topics {
		d, ok := details[name]
		if !ok || d.Err != nil {
			return fmt.Errorf("kafka topic %s unavailable", name)
		}
	}
	return nil
}

// Name returns the check name for health reporting.
func (h *HealthChecker) Name() string {
	return "kafka"
}
