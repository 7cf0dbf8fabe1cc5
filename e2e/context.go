package e2e

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fpverify/internal/fingerprint/store"
	"fpverify/internal/verification/dispatcher"
	"fpverify/internal/verification/models"
	"fpverify/internal/verification/queue"
	"fpverify/internal/verification/verifier"
)

const settleTimeout = 5 * time.Second

// TestContext holds one worker pipeline and the state shared between steps.
type TestContext struct {
	Store       *flakyStore
	Inbound     *queue.Memory
	Results     *queue.MemoryResults
	DeadLetters *queue.MemoryDeadLetters

	MaxDeliveries int
	Policy        dispatcher.StoreFailurePolicy

	publishFailures atomic.Int32
	submitted       int
	started         bool
	done            chan error
	once            sync.Once
}

// NewTestContext creates a pipeline backed by in-memory collaborators. The
// dispatcher starts on the first submitted message so Given steps can still
// change its settings.
func NewTestContext() *TestContext {
	tc := &TestContext{
		Store:         &flakyStore{InMemoryStore: store.NewInMemoryStore()},
		Inbound:       queue.NewMemory(16),
		Results:       &queue.MemoryResults{},
		DeadLetters:   &queue.MemoryDeadLetters{},
		MaxDeliveries: 3,
		Policy:        dispatcher.PolicyRequeue,
		done:          make(chan error, 1),
	}
	tc.Results.Fail = func(models.VerificationResult) error {
		if tc.publishFailures.Load() > 0 && tc.publishFailures.Add(-1) >= 0 {
			return errors.New("broker not available")
		}
		return nil
	}
	return tc
}

func (tc *TestContext) start() error {
	if tc.started {
		return nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := verifier.New(tc.Store,
		verifier.WithRetry(1, time.Millisecond, time.Millisecond),
		verifier.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	d, err := dispatcher.New(v, tc.Results, tc.DeadLetters,
		dispatcher.WithWorkers(2),
		dispatcher.WithMaxDeliveries(tc.MaxDeliveries),
		dispatcher.WithStoreFailurePolicy(tc.Policy),
		dispatcher.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	go func() { tc.done <- d.Run(context.Background(), tc.Inbound) }()
	tc.started = true
	return nil
}

// Submit puts a raw message on the inbound queue.
func (tc *TestContext) Submit(ctx context.Context, body []byte) error {
	if err := tc.start(); err != nil {
		return err
	}
	if err := tc.Inbound.Publish(ctx, body); err != nil {
		return err
	}
	tc.submitted++
	return nil
}

// AwaitSettled waits until every submitted message was acked.
func (tc *TestContext) AwaitSettled() error {
	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		if tc.Inbound.Acks() >= tc.submitted {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("%d of %d messages settled after %s", tc.Inbound.Acks(), tc.submitted, settleTimeout)
}

// Stop closes the inbound queue and waits for the workers to drain.
func (tc *TestContext) Stop() error {
	var err error
	tc.once.Do(func() {
		tc.Inbound.Close()
		if !tc.started {
			return
		}
		select {
		case err = <-tc.done:
		case <-time.After(settleTimeout):
			err = errors.New("dispatcher did not drain")
		}
	})
	return err
}

// ResultFor returns the last result published for requestID.
func (tc *TestContext) ResultFor(requestID string) (models.VerificationResult, error) {
	results := tc.Results.Results()
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].RequestID() == requestID {
			return results[i], nil
		}
	}
	return models.VerificationResult{}, fmt.Errorf("no result published for %q", requestID)
}

// flakyStore fails a configurable number of lookups, or all of them while
// down is set.
type flakyStore struct {
	*store.InMemoryStore
	down     atomic.Bool
	failures atomic.Int32
}

func (s *flakyStore) ExistsBatch(ctx context.Context, ids []string) (map[string]bool, error) {
	if s.down.Load() {
		return nil, errors.New("connection refused")
	}
	if s.failures.Load() > 0 && s.failures.Add(-1) >= 0 {
		return nil, errors.New("i/o timeout")
	}
	return s.InMemoryStore.ExistsBatch(ctx, ids)
}
