// Package verifier classifies a verification request against the fingerprint
// store.
//
// A request is verified when every deduplicated fingerprint ID exists and
// partial otherwise. The store is asked once per attempt for the whole batch.
// Failed attempts are retried with exponential backoff within the caller's
// deadline; a circuit breaker stops hammering a store that keeps failing.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-set/v2"

	"fpverify/internal/verification/metrics"
	"fpverify/internal/verification/models"
	"fpverify/internal/verification/ports"
	"fpverify/internal/verification/tracer"
	dErrors "fpverify/pkg/domain-errors"
	"fpverify/pkg/platform/circuit"
)

// ErrCircuitOpen is the cause reported while the store circuit is open.
var ErrCircuitOpen = errors.New("fingerprint store circuit open")

const (
	defaultAttempts = 3
	defaultDelay    = 100 * time.Millisecond
	defaultMaxDelay = 2 * time.Second
)

// Verifier is stateless between calls and safe for concurrent use.
type Verifier struct {
	store    ports.FingerprintStore
	breaker  *circuit.Breaker
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
	tracer   tracer.Tracer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRetry sets the store retry budget. attempts below 1 is treated as 1.
func WithRetry(attempts uint, delay, maxDelay time.Duration) Option {
	return func(v *Verifier) {
		if attempts < 1 {
			attempts = 1
		}
		v.attempts = attempts
		if delay > 0 {
			v.delay = delay
		}
		if maxDelay > 0 {
			v.maxDelay = maxDelay
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(v *Verifier) {
		if b != nil {
			v.breaker = b
		}
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(v *Verifier) {
		if t != nil {
			v.tracer = t
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// New creates a Verifier over store.
func New(store ports.FingerprintStore, opts ...Option) (*Verifier, error) {
	if store == nil {
		return nil, errors.New("fingerprint store is required")
	}
	v := &Verifier{
		store:    store,
		breaker:  circuit.New("fingerprint-store"),
		attempts: defaultAttempts,
		delay:    defaultDelay,
		maxDelay: defaultMaxDelay,
		tracer:   tracer.NewNoop(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify looks up every unique fingerprint of req in one batched call per
// attempt. Any failure to obtain an answer, including the deadline on ctx
// expiring, is returned as a StoreUnavailableError wrapping the last cause.
// IDs the store refuses as invalid input yield a MalformedMessageError after a
// single attempt and leave the circuit untouched.
func (v *Verifier) Verify(ctx context.Context, req models.VerificationRequest) (result models.VerificationResult, err error) {
	start := time.Now()
	unique := req.UniqueFingerprintIDs()

	ctx, span := v.tracer.Start(ctx, tracer.SpanVerify,
		tracer.String(tracer.AttrRequestID, req.RequestID),
		tracer.Int(tracer.AttrRequestedIDs, len(req.FingerprintIDs)),
		tracer.Int(tracer.AttrUniqueIDs, len(unique)),
	)
	defer func() { span.End(err) }()

	canonical, lookupIDs := canonicalize(unique)
	v.metrics.ObserveBatchSize(len(lookupIDs))

	found, attempts, err := v.lookup(ctx, span, lookupIDs)
	span.SetAttributes(tracer.Int(tracer.AttrStoreAttempts, attempts))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidInput) {
			return models.VerificationResult{}, models.NewMalformedMessageError(err)
		}
		v.metrics.IncStoreUnavailable()
		return models.VerificationResult{}, models.NewStoreUnavailableError(err)
	}

	// A key the store left out of its answer counts as missing.
	missing := make([]string, 0)
	for i, id := range unique {
		if !found[canonical[i]] {
			missing = append(missing, id)
		}
	}

	result = models.NewVerificationResult(req.RequestID, missing)
	span.SetAttributes(
		tracer.String(tracer.AttrStatus, string(result.Status())),
		tracer.Int(tracer.AttrMissingIDs, len(missing)),
	)
	v.metrics.IncVerification(string(result.Status()))
	v.metrics.ObserveVerify(time.Since(start))
	return result, nil
}

// canonicalize maps each raw ID to its store key and returns the distinct
// keys to look up. Two raw spellings of the same UUID share one key.
func canonicalize(unique []string) (canonical, lookupIDs []string) {
	canonical = make([]string, len(unique))
	seen := set.New[string](len(unique))
	lookupIDs = make([]string, 0, len(unique))
	for i, id := range unique {
		key := models.CanonicalFingerprintID(id)
		canonical[i] = key
		if seen.Insert(key) {
			lookupIDs = append(lookupIDs, key)
		}
	}
	return canonical, lookupIDs
}

func (v *Verifier) lookup(ctx context.Context, span tracer.Span, ids []string) (map[string]bool, int, error) {
	var (
		found    map[string]bool
		attempts int
		lastErr  error
	)

	err := retry.Do(
		func() error {
			attempts++
			if !v.breaker.Allow() {
				lastErr = ErrCircuitOpen
				return retry.Unrecoverable(ErrCircuitOpen)
			}

			callStart := time.Now()
			res, err := v.store.ExistsBatch(ctx, ids)
			if err != nil && dErrors.HasCode(err, dErrors.CodeInvalidInput) {
				// The store answered; the IDs are at fault, not the store.
				v.metrics.ObserveStoreLookup("rejected", time.Since(callStart))
				lastErr = err
				return retry.Unrecoverable(err)
			}
			if err != nil {
				v.metrics.ObserveStoreLookup("error", time.Since(callStart))
				v.recordFailure(span)
				lastErr = err
				if ctx.Err() != nil {
					return retry.Unrecoverable(err)
				}
				return err
			}

			v.metrics.ObserveStoreLookup("ok", time.Since(callStart))
			if change := v.breaker.RecordSuccess(); change.Closed {
				v.logger.Info("fingerprint store circuit closed")
			}
			v.metrics.SetCircuitState(int(v.breaker.State()))
			found = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(v.attempts),
		retry.Delay(v.delay),
		retry.MaxDelay(v.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			v.metrics.IncStoreRetry()
			span.AddEvent(tracer.EventStoreRetry, tracer.Int(tracer.AttrStoreAttempts, int(n)+1))
			v.logger.Debug("retrying fingerprint store lookup",
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	if err != nil {
		// retry-go reports only ctx.Err() when the deadline fires between
		// attempts; keep the store error that led there.
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = fmt.Errorf("%w (last store error: %w)", err, lastErr)
		}
		return nil, attempts, err
	}
	return found, attempts, nil
}

func (v *Verifier) recordFailure(span tracer.Span) {
	if change := v.breaker.RecordFailure(); change.Opened {
		span.AddEvent(tracer.EventCircuitOpened)
		v.logger.Warn("fingerprint store circuit opened",
			"breaker", v.breaker.Name(),
		)
	}
	v.metrics.SetCircuitState(int(v.breaker.State()))
}

