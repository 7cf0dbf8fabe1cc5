package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeIntake struct {
	log      *callLog
	hangStop bool
}

func (f *fakeIntake) Stop(ctx context.Context) error {
	f.log.add("consumer.stop")
	if f.hangStop {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeIntake) Close(context.Context) error {
	f.log.add("consumer.close")
	return nil
}

// fakeStream closes drained when the stream closes, as the worker pool
// does once it has finished the remaining deliveries.
type fakeStream struct {
	log     *callLog
	drained chan struct{}
}

func (f *fakeStream) Close() {
	f.log.add("inbound.close")
	close(f.drained)
}

type fakeFlusher struct{ log *callLog }

func (f *fakeFlusher) Close(time.Duration) error {
	f.log.add("producer.close")
	return nil
}

type fakeServer struct{ log *callLog }

func (f *fakeServer) Shutdown(context.Context) error {
	f.log.add("server.shutdown")
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShutdownOrder(t *testing.T) {
	calls := &callLog{}
	drained := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := shutdown(ctx, discardLogger(),
		&fakeIntake{log: calls},
		&fakeStream{log: calls, drained: drained},
		drained,
		&fakeFlusher{log: calls},
		&fakeServer{log: calls},
	)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"consumer.stop",
		"inbound.close",
		"consumer.close",
		"producer.close",
		"server.shutdown",
	}, calls.list())
}

func TestShutdownIsBoundedWhenConsumerHangs(t *testing.T) {
	calls := &callLog{}
	drained := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := shutdown(ctx, discardLogger(),
		&fakeIntake{log: calls, hangStop: true},
		&fakeStream{log: calls, drained: drained},
		drained,
		&fakeFlusher{log: calls},
		&fakeServer{log: calls},
	)

	assert.Less(t, time.Since(start), time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "stop consumer")
	assert.Contains(t, err.Error(), "drain workers")
	assert.Equal(t, []string{
		"consumer.stop",
		"consumer.close",
		"producer.close",
		"server.shutdown",
	}, calls.list(), "the delivery stream stays open while the poll loop may still send")
}
