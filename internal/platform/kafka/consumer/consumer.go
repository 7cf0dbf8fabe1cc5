package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"fpverify/internal/platform/metrics"
)

// AttemptHeader carries the delivery attempt across requeues.
const AttemptHeader = "x-delivery-attempt"

var (
	// ErrAlreadySettled is returned when Ack or Nack is called twice.
	ErrAlreadySettled = errors.New("delivery already settled")
	// ErrNoRequeuer is returned by Nack when no Requeuer is configured.
	ErrNoRequeuer = errors.New("no requeuer configured")
)

// Message represents a received Kafka message.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Attempt reads AttemptHeader. Messages without a valid header are on
// their first attempt.
func (m *Message) Attempt() int {
	n, err := strconv.Atoi(m.Headers[AttemptHeader])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Handler receives deliveries from the poll loop. It may hand the delivery
// to another goroutine and return; the offset is committed once the delivery
// is settled. A returned error stops the poll loop.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

// Requeuer republishes a message for a later attempt.
type Requeuer interface {
	Requeue(ctx context.Context, msg *Message, attempt int) error
}

// Delivery pairs a message with its settlement handle.
type Delivery struct {
	msg        *Message
	consumer   *Consumer
	generation uint64
	settled    atomic.Bool
}

func (d *Delivery) Message() *Message { return d.msg }
func (d *Delivery) Body() []byte      { return d.msg.Value }
func (d *Delivery) Attempt() int      { return d.msg.Attempt() }

// Ack marks the message processed. Its offset is committed once every
// earlier offset of the partition is settled too.
func (d *Delivery) Ack(_ context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	d.consumer.settle(d)
	return nil
}

// Nack republishes the message with the next attempt number and then
// settles the original. If the republish fails the original stays
// unsettled and Nack may be called again; until then the partition's commit
// position is held at this offset.
func (d *Delivery) Nack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if d.consumer.requeuer == nil {
		d.settled.Store(false)
		return ErrNoRequeuer
	}
	if err := d.consumer.requeuer.Requeue(ctx, d.msg, d.Attempt()+1); err != nil {
		d.settled.Store(false)
		return fmt.Errorf("requeue %s[%d]@%d: %w", d.msg.Topic, d.msg.Partition, d.msg.Offset, err)
	}
	d.consumer.settle(d)
	return nil
}

// Consumer wraps the confluent-kafka-go consumer with manual, watermark
// based offset commits.
type Consumer struct {
	consumer       *kafka.Consumer
	handler        Handler
	requeuer       Requeuer
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracker        *offsetTracker
	commitInterval time.Duration
	topics         []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// Config holds consumer configuration.
type Config struct {
	Brokers         string
	GroupID         string
	AutoOffsetReset string
	CommitInterval  time.Duration
	SessionTimeout  time.Duration
}

// Option configures optional collaborators.
type Option func(*Consumer)

func WithRequeuer(r Requeuer) Option {
	return func(c *Consumer) {
		c.requeuer = r
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// New creates a new Kafka consumer.
func New(cfg Config, handler Handler, logger *slog.Logger, opts ...Option) (*Consumer, error) {
	if cfg.Brokers == "" {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group ID not configured")
	}
	if handler == nil {
		return nil, fmt.Errorf("kafka consumer handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	autoOffsetReset := cfg.AutoOffsetReset
	if autoOffsetReset == "" {
		autoOffsetReset = "earliest"
	}
	commitInterval := cfg.CommitInterval
	if commitInterval <= 0 {
		commitInterval = time.Second
	}

	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  autoOffsetReset,
		"enable.auto.commit": false,
	}
	if cfg.SessionTimeout > 0 {
		_ = configMap.SetKey("session.timeout.ms", int(cfg.SessionTimeout.Milliseconds()))
	}

	kc, err := kafka.NewConsumer(configMap)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		consumer:       kc,
		handler:        handler,
		logger:         logger,
		tracker:        newOffsetTracker(),
		commitInterval: commitInterval,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Subscribe starts consuming from the specified topics.
func (c *Consumer) Subscribe(topics []string) error {
	c.mu.Lock()
	c.topics = topics
	c.mu.Unlock()

	if err := c.consumer.SubscribeTopics(topics, c.rebalance); err != nil {
		return fmt.Errorf("subscribe to topics: %w", err)
	}
	return nil
}

// Start begins the poll loop in a background goroutine.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Consumer) run() {
	defer c.wg.Done()

	lastCommit := time.Now()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.poll(); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("kafka poll loop stopped", "error", err)
			}
			return
		}
		if time.Since(lastCommit) >= c.commitInterval {
			c.commit()
			lastCommit = time.Now()
		}
	}
}

func (c *Consumer) poll() error {
	ev := c.consumer.Poll(100)
	if ev == nil {
		return nil
	}

	switch e := ev.(type) {
	case *kafka.Message:
		return c.dispatch(e)

	case kafka.Error:
		if e.Code() != kafka.ErrTimedOut {
			c.logger.Error("kafka consumer error",
				"code", e.Code(),
				"error", e.Error(),
			)
			c.metrics.IncConsumerError()
		}

	case kafka.PartitionEOF:
	}
	return nil
}

func (c *Consumer) dispatch(km *kafka.Message) error {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}

	msg := &Message{
		Topic:     *km.TopicPartition.Topic,
		Partition: km.TopicPartition.Partition,
		Offset:    int64(km.TopicPartition.Offset),
		Key:       km.Key,
		Value:     km.Value,
		Headers:   headers,
		Timestamp: km.Timestamp,
	}

	d := &Delivery{
		msg:        msg,
		consumer:   c,
		generation: c.tracker.track(msg.Topic, msg.Partition, msg.Offset),
	}
	c.metrics.SetUncommitted(c.tracker.inFlight())
	c.metrics.IncConsumed(msg.Topic)

	// An unhandled message stays tracked and blocks the commit position, so
	// it is redelivered after restart.
	if err := c.handler.Handle(c.ctx, d); err != nil {
		return fmt.Errorf("handle %s[%d]@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}

func (c *Consumer) settle(d *Delivery) {
	if !c.tracker.markDone(d.msg.Topic, d.msg.Partition, d.msg.Offset, d.generation) {
		c.logger.Debug("settled message from revoked partition",
			"topic", d.msg.Topic,
			"partition", d.msg.Partition,
			"offset", d.msg.Offset,
		)
	}
	c.metrics.SetUncommitted(c.tracker.inFlight())
}

// commit writes every watermark that advanced since the last commit.
func (c *Consumer) commit() {
	tps := c.tracker.commitable()
	if len(tps) == 0 {
		return
	}
	if _, err := c.consumer.CommitOffsets(tps); err != nil {
		c.tracker.restore(tps)
		c.metrics.IncCommitError()
		c.logger.Error("failed to commit offsets",
			"partitions", len(tps),
			"error", err,
		)
		return
	}
	c.metrics.IncCommits()
}

func (c *Consumer) rebalance(_ *kafka.Consumer, ev kafka.Event) error {
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		c.metrics.IncRebalance("assigned")
		c.logger.Info("kafka partitions assigned", "partitions", len(e.Partitions))
	case kafka.RevokedPartitions:
		c.metrics.IncRebalance("revoked")
		// Settled work is committed while this member still owns the partitions.
		c.commit()
		c.tracker.revoke(e.Partitions)
		c.logger.Info("kafka partitions revoked", "partitions", len(e.Partitions))
	}
	return nil
}

// Stop ends polling and waits for the poll loop to return. Deliveries
// already handed out can still be settled; call Close afterwards to commit
// them.
func (c *Consumer) Stop(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops polling if still running, commits settled offsets and leaves
// the consumer group.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	stopErr := c.Stop(ctx)
	c.commit()
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	return stopErr
}

// Healthy reports whether the consumer is open and owns partitions.
func (c *Consumer) Healthy(_ context.Context) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	assignment, err := c.consumer.Assignment()
	if err != nil {
		return false
	}
	return len(assignment) > 0
}
