// Command fpverify consumes fingerprint verification requests from Kafka,
// checks every fingerprint against the configured store and publishes one
// result per request.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"fpverify/internal/platform/config"
	"fpverify/internal/platform/health"
	platformkafka "fpverify/internal/platform/kafka"
	"fpverify/internal/platform/kafka/consumer"
	"fpverify/internal/platform/kafka/producer"
	"fpverify/internal/platform/logger"
	"fpverify/internal/platform/middleware"
	platformmetrics "fpverify/internal/platform/metrics"
	"fpverify/internal/verification/deadletter"
	"fpverify/internal/verification/dispatcher"
	"fpverify/internal/verification/metrics"
	"fpverify/internal/verification/ports"
	"fpverify/internal/verification/queue"
	"fpverify/internal/verification/tracer"
	"fpverify/internal/verification/verifier"
	"fpverify/pkg/platform/circuit"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fpverify stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("initializing fpverify",
		"environment", cfg.Environment,
		"store_backend", cfg.Store.Backend,
		"dead_letter_sink", cfg.Store.DeadLetterSink,
		"workers", cfg.Worker.Count,
		"inbound_topic", cfg.Kafka.InboundTopic,
		"outbound_topic", cfg.Kafka.OutboundTopic,
	)

	kafkaMetrics := platformmetrics.New(prometheus.DefaultRegisterer)
	pipelineMetrics := metrics.New(prometheus.DefaultRegisterer)

	res, err := openResources(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer res.close(log)

	if err := res.probe(ctx, cfg.Store.Backend, log); err != nil {
		return err
	}

	prod, err := producer.New(producer.Config{
		Brokers:         cfg.Kafka.Brokers,
		Acks:            cfg.Kafka.Acks,
		DeliveryTimeout: cfg.Kafka.DeliveryTimeout,
	}, log, kafkaMetrics)
	if err != nil {
		return err
	}

	var sink ports.DeadLetterSink = queue.NewDeadLetterPublisher(prod, cfg.Kafka.DeadLetterTopic)
	if cfg.Store.DeadLetterSink == "postgres" {
		sink = deadletter.NewPostgresSink(res.db.DB())
	}

	breaker := circuit.New("fingerprint-store",
		circuit.WithFailureThreshold(cfg.Worker.CircuitThreshold),
		circuit.WithCooldown(cfg.Worker.CircuitCooldown),
	)
	v, err := verifier.New(res.store,
		verifier.WithRetry(uint(cfg.Worker.RetryAttempts), cfg.Worker.RetryDelay, cfg.Worker.RetryMaxDelay),
		verifier.WithBreaker(breaker),
		verifier.WithTracer(tracer.NewOTel()),
		verifier.WithMetrics(pipelineMetrics),
		verifier.WithLogger(log),
	)
	if err != nil {
		return err
	}

	policy, err := dispatcher.ParseStoreFailurePolicy(cfg.Worker.StoreFailurePolicy)
	if err != nil {
		return err
	}
	disp, err := dispatcher.New(v, queue.NewResultPublisher(prod, cfg.Kafka.OutboundTopic), sink,
		dispatcher.WithWorkers(cfg.Worker.Count),
		dispatcher.WithProcessingTimeout(cfg.Worker.ProcessingTimeout),
		dispatcher.WithMaxDeliveries(cfg.Worker.MaxDeliveries),
		dispatcher.WithStoreFailurePolicy(policy),
		dispatcher.WithTracer(tracer.NewOTel()),
		dispatcher.WithMetrics(pipelineMetrics),
		dispatcher.WithLogger(log),
	)
	if err != nil {
		return err
	}

	inbound := queue.NewKafkaInbound(cfg.Worker.Count)
	cons, err := consumer.New(consumer.Config{
		Brokers:        cfg.Kafka.Brokers,
		GroupID:        cfg.Kafka.GroupID,
		CommitInterval: cfg.Kafka.CommitInterval,
	}, inbound, log,
		consumer.WithRequeuer(queue.NewRequeuer(prod)),
		consumer.WithMetrics(kafkaMetrics),
	)
	if err != nil {
		_ = prod.Close(cfg.ShutdownTimeout)
		return err
	}
	if err := cons.Subscribe([]string{cfg.Kafka.InboundTopic}); err != nil {
		_ = cons.Close(context.Background())
		_ = prod.Close(cfg.ShutdownTimeout)
		return err
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           opsRouter(cfg, log, res, prod, cons),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The pool runs outside the group: shutdown waits for it only until its
	// deadline, so a stuck worker cannot hold the process past it.
	drained := make(chan struct{})
	var runErr error
	go func() {
		defer close(drained)
		runErr = disp.Run(gctx, inbound)
	}()
	cons.Start()

	g.Go(func() error {
		log.Info("starting ops http server", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops http server: %w", err)
		}
		return nil
	})

	if res.redis != nil {
		g.Go(func() error {
			res.redis.RecordPoolStatsEvery(gctx, 15*time.Second)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down fpverify", "timeout", cfg.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, log, cons, inbound, drained, prod, srv)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	select {
	case <-drained:
		if runErr != nil {
			return fmt.Errorf("dispatcher: %w", runErr)
		}
	default:
		log.Warn("exiting with deliveries still in flight; they will be redelivered")
	}
	log.Info("fpverify stopped")
	return nil
}

type intake interface {
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
}

type deliveryStream interface {
	Close()
}

type flusher interface {
	Close(timeout time.Duration) error
}

type opsServer interface {
	Shutdown(ctx context.Context) error
}

// shutdown stops intake first and releases the producer only after every
// in-flight delivery was settled and its offset committed. Every step is
// bounded by ctx; steps past an expired deadline still run so offsets are
// committed and the producer is released.
func shutdown(
	ctx context.Context,
	log *slog.Logger,
	cons intake,
	inbound deliveryStream,
	drained <-chan struct{},
	prod flusher,
	srv opsServer,
) error {
	var errs []error

	if err := cons.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop consumer: %w", err))
	} else {
		inbound.Close()
	}

	select {
	case <-drained:
		log.Info("in-flight deliveries settled")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain workers: %w", ctx.Err()))
	}

	if err := cons.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	remaining := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining = max(time.Until(deadline), remaining)
	}
	if err := prod.Close(remaining); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}

	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown ops http server: %w", err))
	}
	return errors.Join(errs...)
}

func opsRouter(cfg config.Config, log *slog.Logger, res *resources, prod *producer.Producer, cons *consumer.Consumer) http.Handler {
	h := health.New(cfg.Environment)
	h.RegisterChecker(platformkafka.NewHealthChecker(prod.Client(),
		cfg.Kafka.InboundTopic,
		cfg.Kafka.OutboundTopic,
		cfg.Kafka.DeadLetterTopic,
	))
	h.RegisterCheck("fingerprint_store", res.store.Health)
	h.RegisterCheck("consumer", func(ctx context.Context) error {
		if !cons.Healthy(ctx) {
			return errors.New("no partitions assigned")
		}
		return nil
	})
	if res.db != nil {
		h.RegisterCheck("postgres", res.db.Health)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Timeout(10 * time.Second))
	h.Register(r)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
