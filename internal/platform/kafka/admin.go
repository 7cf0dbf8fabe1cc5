package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// EnsureTopics creates any of topics that do not exist yet. Existing topics
// are left untouched.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replicationFactor int16, topics ...string) ([]string, error) {
	admin := kadm.NewClient(client)

	resp, err := admin.CreateTopics(ctx, partitions, replicationFactor, nil, topics...)
	if err != nil {
		return nil, fmt.Errorf("create topics: %w", err)
	}

	var created []string
	for _, t := range resp.Sorted() {
		switch {
		case t.Err == nil:
			created = append(created, t.Topic)
		case errors.Is(t.Err, kerr.TopicAlreadyExists):
		default:
			return created, fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return created, nil
}
