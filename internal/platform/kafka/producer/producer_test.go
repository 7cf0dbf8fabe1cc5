package producer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka brokers not configured")
}

func TestToRecordSortsHeaders(t *testing.T) {
	rec := toRecord(&Message{
		Topic:   "results",
		Key:     []byte("r1"),
		Value:   []byte("{}"),
		Headers: map[string]string{"b": "2", "a": "1", "c": "3"},
	})

	require.Len(t, rec.Headers, 3)
	assert.Equal(t, "a", rec.Headers[0].Key)
	assert.Equal(t, "b", rec.Headers[1].Key)
	assert.Equal(t, []byte("3"), rec.Headers[2].Value)
	assert.Equal(t, "results", rec.Topic)
}
