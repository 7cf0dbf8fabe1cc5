package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"fpverify/internal/verification/models"
	"fpverify/internal/verification/ports"
)

// ErrQueueClosed is returned when publishing to a closed Memory queue.
var ErrQueueClosed = errors.New("queue closed")

// Memory is a channel-backed inbound queue. A nacked delivery is put back
// with its attempt counter incremented.
type Memory struct {
	ch        chan ports.Delivery
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	acks  atomic.Int64
	nacks atomic.Int64
}

func NewMemory(buffer int) *Memory {
	return &Memory{
		ch:   make(chan ports.Delivery, buffer),
		done: make(chan struct{}),
	}
}

// Publish enqueues a first-attempt delivery, blocking while the buffer is full.
func (m *Memory) Publish(ctx context.Context, body []byte) error {
	return m.enqueue(ctx, body, 1)
}

func (m *Memory) enqueue(ctx context.Context, body []byte, attempt int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrQueueClosed
	}
	d := &memoryDelivery{queue: m, body: body, attempt: attempt}
	select {
	case m.ch <- d:
		return nil
	case <-m.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Deliveries() <-chan ports.Delivery {
	return m.ch
}

// Close stops accepting messages and closes the delivery channel.
// Redeliveries still pending are dropped.
func (m *Memory) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closed = true
		close(m.ch)
	})
}

func (m *Memory) Acks() int  { return int(m.acks.Load()) }
func (m *Memory) Nacks() int { return int(m.nacks.Load()) }

type memoryDelivery struct {
	queue   *Memory
	body    []byte
	attempt int
	settled atomic.Bool
}

func (d *memoryDelivery) Body() []byte { return d.body }
func (d *memoryDelivery) Attempt() int { return d.attempt }

func (d *memoryDelivery) Ack(_ context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return errors.New("delivery already settled")
	}
	d.queue.acks.Add(1)
	return nil
}

// Nack schedules the redelivery on its own goroutine so a worker never
// blocks on a full buffer it is responsible for draining.
func (d *memoryDelivery) Nack(_ context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return errors.New("delivery already settled")
	}
	d.queue.nacks.Add(1)
	go func() {
		_ = d.queue.enqueue(context.Background(), d.body, d.attempt+1)
	}()
	return nil
}

// MemoryResults records published results. Fail, when set, is consulted
// before recording and its error is returned as a PublishError.
type MemoryResults struct {
	mu      sync.Mutex
	results []models.VerificationResult
	Fail    func(models.VerificationResult) error
}

func (r *MemoryResults) Publish(_ context.Context, result models.VerificationResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(result); err != nil {
			return models.NewPublishError(result.RequestID(), err)
		}
	}
	r.results = append(r.results, result)
	return nil
}

func (r *MemoryResults) Results() []models.VerificationResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.VerificationResult, len(r.results))
	copy(out, r.results)
	return out
}

// MemoryDeadLetters records dead letters.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []models.DeadLetter
	Fail    func(models.DeadLetter) error
}

func (r *MemoryDeadLetters) DeadLetter(_ context.Context, letter models.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(letter); err != nil {
			return err
		}
	}
	r.letters = append(r.letters, letter)
	return nil
}

func (r *MemoryDeadLetters) Letters() []models.DeadLetter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.DeadLetter, len(r.letters))
	copy(out, r.letters)
	return out
}

var (
	_ ports.Inbound         = (*Memory)(nil)
	_ ports.ResultPublisher = (*MemoryResults)(nil)
	_ ports.DeadLetterSink  = (*MemoryDeadLetters)(nil)
)
