package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisSetKey is the set holding known fingerprint IDs.
const DefaultRedisSetKey = "fingerprints"

// RedisStore keeps fingerprint IDs as members of a single Redis set.
type RedisStore struct {
	client redis.UniversalClient
	setKey string
}

// NewRedisStore constructs a Redis-backed store. An empty setKey uses
// DefaultRedisSetKey.
func NewRedisStore(client redis.UniversalClient, setKey string) *RedisStore {
	if setKey == "" {
		setKey = DefaultRedisSetKey
	}
	return &RedisStore{client: client, setKey: setKey}
}

// ExistsBatch issues one SMISMEMBER for the whole batch.
func (s *RedisStore) ExistsBatch(ctx context.Context, ids []string) (map[string]bool, error) {
	out := emptyResult(ids)
	if len(ids) == 0 {
		return out, nil
	}

	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	found, err := s.client.SMIsMember(ctx, s.setKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("smismember %s: %w", s.setKey, err)
	}
	if len(found) != len(ids) {
		return nil, fmt.Errorf("smismember %s: got %d replies for %d ids", s.setKey, len(found), len(ids))
	}
	for i, id := range ids {
		if found[i] {
			out[id] = true
		}
	}
	return out, nil
}

func (s *RedisStore) Add(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, s.setKey, members...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", s.setKey, err)
	}
	return nil
}

func (s *RedisStore) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
