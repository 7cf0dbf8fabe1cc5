// Package dispatcher owns the ack decision for every inbound delivery.
//
// A delivery is acked only after its result was confirmed by the outbound
// broker, or after it was written to the dead-letter sink. Store outages are
// handed back to the transport for redelivery until the delivery budget is
// spent; publish failures are always handed back. A settlement that fails
// (the requeue or the dead-letter write) is retried with backoff until it
// succeeds or the run context is cancelled.
package dispatcher

//go:generate mockgen -source=dispatcher.go -destination=mocks/verifier_mock.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"fpverify/internal/verification/metrics"
	"fpverify/internal/verification/models"
	"fpverify/internal/verification/ports"
	"fpverify/internal/verification/tracer"
)

// Verifier classifies a parsed request.
type Verifier interface {
	Verify(ctx context.Context, req models.VerificationRequest) (models.VerificationResult, error)
}

// StoreFailurePolicy decides what happens to a delivery whose verification
// could not reach the store.
type StoreFailurePolicy string

const (
	// PolicyRequeue redelivers until MaxDeliveries, then dead-letters.
	PolicyRequeue StoreFailurePolicy = "requeue"
	// PolicyDeadLetter dead-letters on the first store failure.
	PolicyDeadLetter StoreFailurePolicy = "deadletter"
)

func ParseStoreFailurePolicy(s string) (StoreFailurePolicy, error) {
	switch StoreFailurePolicy(s) {
	case PolicyRequeue, PolicyDeadLetter:
		return StoreFailurePolicy(s), nil
	case "":
		return PolicyRequeue, nil
	}
	return "", fmt.Errorf("unknown store failure policy %q", s)
}

// Outcome is what happened to a delivery. Values match the metric labels.
type Outcome string

const (
	OutcomePublished    Outcome = metrics.OutcomePublished
	OutcomeDeadLettered Outcome = metrics.OutcomeDeadLettered
	OutcomeRequeued     Outcome = metrics.OutcomeRequeued
	OutcomeFailed       Outcome = metrics.OutcomeFailed
)

const (
	defaultWorkers           = 8
	defaultProcessingTimeout = 5 * time.Second
	defaultMaxDeliveries     = 5
	defaultSettleDelay       = 100 * time.Millisecond
	defaultSettleMaxDelay    = 5 * time.Second
)

// Dispatcher runs a fixed pool of workers over an inbound delivery stream.
type Dispatcher struct {
	verifier      Verifier
	results       ports.ResultPublisher
	deadLetters   ports.DeadLetterSink
	workers       int
	timeout       time.Duration
	maxDeliveries int
	policy        StoreFailurePolicy
	settle        settleRetry
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        tracer.Tracer
	now           func() time.Time
}

type settleRetry struct {
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the pool size when n is positive.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithProcessingTimeout bounds each verification.
func WithProcessingTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithMaxDeliveries sets the attempt at which a store failure is
// dead-lettered instead of requeued.
func WithMaxDeliveries(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxDeliveries = n
		}
	}
}

func WithStoreFailurePolicy(p StoreFailurePolicy) Option {
	return func(d *Dispatcher) {
		if p != "" {
			d.policy = p
		}
	}
}

// WithSettleRetry bounds the retries that follow a failed requeue or
// dead-letter write. Zero retries until the run context is cancelled.
func WithSettleRetry(attempts uint, delay, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.settle.attempts = attempts
		if delay > 0 {
			d.settle.delay = delay
		}
		if maxDelay > 0 {
			d.settle.maxDelay = maxDelay
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithClock overrides the time source used to stamp dead letters.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher. All three collaborators are required.
func New(v Verifier, results ports.ResultPublisher, deadLetters ports.DeadLetterSink, opts ...Option) (*Dispatcher, error) {
	if v == nil || results == nil || deadLetters == nil {
		return nil, errors.New("verifier, result publisher and dead-letter sink are required")
	}
	d := &Dispatcher{
		verifier:      v,
		results:       results,
		deadLetters:   deadLetters,
		workers:       defaultWorkers,
		timeout:       defaultProcessingTimeout,
		maxDeliveries: defaultMaxDeliveries,
		policy:        PolicyRequeue,
		settle:        settleRetry{delay: defaultSettleDelay, maxDelay: defaultSettleMaxDelay},
		logger:        slog.Default(),
		tracer:        tracer.NewNoop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Run starts the worker pool and returns once inbound's delivery channel is
// closed and every worker finished its current delivery. Cancelling ctx does
// not abandon deliveries already taken, it only stops settlement retries;
// close the inbound stream to stop.
func (d *Dispatcher) Run(ctx context.Context, inbound ports.Inbound) error {
	if inbound == nil {
		return errors.New("inbound is required")
	}
	work := context.WithoutCancel(ctx)
	deliveries := inbound.Deliveries()

	d.logger.InfoContext(ctx, "dispatcher started", "workers", d.workers)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for del := range deliveries {
				d.handle(work, ctx, del)
			}
		}()
	}
	wg.Wait()

	d.logger.InfoContext(ctx, "dispatcher drained")
	return nil
}

// handle keeps a panicking delivery from taking the worker down. The
// delivery is left unsettled.
func (d *Dispatcher) handle(ctx, stop context.Context, del ports.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncMessage(string(OutcomeFailed))
			d.logger.ErrorContext(ctx, "panic while processing delivery",
				"panic", r,
				"attempt", del.Attempt(),
			)
		}
	}()
	d.onMessage(ctx, stop, del)
}

// OnMessage processes one delivery end to end and settles it. Settlement
// retries stop when ctx is cancelled.
func (d *Dispatcher) OnMessage(ctx context.Context, del ports.Delivery) Outcome {
	return d.onMessage(ctx, ctx, del)
}

func (d *Dispatcher) onMessage(ctx, stop context.Context, del ports.Delivery) Outcome {
	d.metrics.IncInFlight()
	defer d.metrics.DecInFlight()

	outcome := d.process(ctx, stop, del)
	d.metrics.IncMessage(string(outcome))
	return outcome
}

func (d *Dispatcher) process(ctx, stop context.Context, del ports.Delivery) Outcome {
	req, err := models.ParseRequest(del.Body())
	if err != nil {
		d.logger.WarnContext(ctx, "malformed verification request",
			"attempt", del.Attempt(),
			"bytes", len(del.Body()),
			"error", err,
		)
		return d.deadLetter(ctx, stop, del, models.ReasonMalformed, "", err)
	}

	logger := d.logger.With("request_id", req.RequestID, "attempt", del.Attempt())

	verifyCtx, cancel := context.WithTimeout(ctx, d.timeout)
	result, err := d.verifier.Verify(verifyCtx, req)
	cancel()
	if err != nil {
		logger.ErrorContext(ctx, "verification failed", "error", err)
		if models.IsMalformedMessage(err) {
			return d.deadLetter(ctx, stop, del, models.ReasonMalformed, req.RequestID, err)
		}
		if models.IsStoreUnavailable(err) &&
			(d.policy == PolicyDeadLetter || del.Attempt() >= d.maxDeliveries) {
			return d.deadLetter(ctx, stop, del, models.ReasonStoreUnavailable, req.RequestID, err)
		}
		return d.requeue(ctx, stop, del, logger)
	}

	if err := d.publish(ctx, result); err != nil {
		logger.ErrorContext(ctx, "failed to publish verification result",
			"status", result.Status(),
			"error", err,
		)
		return d.requeue(ctx, stop, del, logger)
	}

	if err := del.Ack(ctx); err != nil {
		// The result is out; a redelivery only produces a duplicate.
		logger.WarnContext(ctx, "failed to ack published delivery", "error", err)
	}
	logger.InfoContext(ctx, "verification result published",
		"status", result.Status(),
		"missing", len(result.MissingIDs()),
	)
	return OutcomePublished
}

func (d *Dispatcher) publish(ctx context.Context, result models.VerificationResult) (err error) {
	ctx, span := d.tracer.Start(ctx, tracer.SpanPublish,
		tracer.String(tracer.AttrRequestID, result.RequestID()),
		tracer.String(tracer.AttrStatus, string(result.Status())),
	)
	defer func() { span.End(err) }()

	start := time.Now()
	err = d.results.Publish(ctx, result)
	d.metrics.ObservePublish(time.Since(start), err)
	return err
}

// deadLetter writes the raw payload to the sink and acks. The write is
// retried; if it never succeeds the delivery is left unsettled so the
// transport redelivers it after a restart.
func (d *Dispatcher) deadLetter(ctx, stop context.Context, del ports.Delivery, reason models.DeadLetterReason, requestID string, cause error) Outcome {
	letter := models.NewDeadLetter(reason, requestID, del.Body(), del.Attempt(), cause, d.now())
	logger := d.logger.With("request_id", requestID, "attempt", del.Attempt())
	err := d.retrySettle(ctx, stop, logger, "dead_letter", func() error {
		return d.deadLetters.DeadLetter(ctx, letter)
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to write dead letter",
			"request_id", requestID,
			"reason", reason,
			"error", err,
		)
		return OutcomeFailed
	}
	d.metrics.IncDeadLetter(string(reason))

	if err := del.Ack(ctx); err != nil {
		d.logger.WarnContext(ctx, "failed to ack dead-lettered delivery",
			"request_id", requestID,
			"error", err,
		)
	}
	d.logger.WarnContext(ctx, "delivery dead-lettered",
		"request_id", requestID,
		"reason", reason,
		"dead_letter_id", letter.ID,
		"attempt", letter.Attempt,
	)
	return OutcomeDeadLettered
}

func (d *Dispatcher) requeue(ctx, stop context.Context, del ports.Delivery, logger *slog.Logger) Outcome {
	err := d.retrySettle(ctx, stop, logger, "requeue", func() error {
		return del.Nack(ctx)
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to requeue delivery", "error", err)
		return OutcomeFailed
	}
	logger.InfoContext(ctx, "delivery requeued", "next_attempt", del.Attempt()+1)
	return OutcomeRequeued
}

// retrySettle runs op once and, if it fails, retries it with backoff until
// it succeeds, the settle budget is spent or stop is cancelled. The first
// attempt runs even when stop is already cancelled, so deliveries drained
// during shutdown still get settled.
func (d *Dispatcher) retrySettle(ctx, stop context.Context, logger *slog.Logger, operation string, op func() error) error {
	err := op()
	if err == nil || stop.Err() != nil {
		return err
	}
	logger.WarnContext(ctx, "settlement failed, retrying",
		"operation", operation,
		"error", err,
	)
	return retry.Do(
		func() error {
			d.metrics.IncSettleRetry(operation)
			return op()
		},
		retry.Context(stop),
		retry.Attempts(d.settle.attempts),
		retry.Delay(d.settle.delay),
		retry.MaxDelay(d.settle.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.DebugContext(ctx, "settlement retry failed",
				"operation", operation,
				"retry", n+1,
				"error", err,
			)
		}),
	)
}
