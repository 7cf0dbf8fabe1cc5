package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"fpverify/internal/platform/config"
)

func TestNewRejectsMissingURL(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{})
	assert.ErrorContains(t, err, "not configured")
}

func TestNewRejectsMalformedURL(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{URL: "http://not-redis"})
	assert.ErrorContains(t, err, "parse redis URL")
}
