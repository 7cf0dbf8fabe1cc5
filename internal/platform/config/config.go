package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the worker configuration, read once at startup.
type Config struct {
	Environment     string        `validate:"required"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	MetricsAddr     string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	Kafka  KafkaConfig
	Store  StoreConfig
	Redis  RedisConfig
	Worker WorkerConfig
}

// KafkaConfig covers the consumer, the producer and the three topics.
type KafkaConfig struct {
	Brokers         string        `validate:"required"`
	GroupID         string        `validate:"required"`
	InboundTopic    string        `validate:"required"`
	OutboundTopic   string        `validate:"required,nefield=InboundTopic"`
	DeadLetterTopic string        `validate:"required,nefield=InboundTopic"`
	Acks            string        `validate:"oneof=0 1 all"`
	DeliveryTimeout time.Duration `validate:"gt=0"`
	CommitInterval  time.Duration `validate:"gt=0"`
}

// StoreConfig selects the fingerprint store and the dead-letter sink.
type StoreConfig struct {
	Backend        string `validate:"oneof=postgres redis memory"`
	DatabaseURL    string `validate:"required_if=Backend postgres"`
	DeadLetterSink string `validate:"oneof=kafka postgres"`
}

// RedisConfig holds the redis connection and pool settings.
type RedisConfig struct {
	URL            string
	FingerprintSet string `validate:"required"`
	PoolSize       int    `validate:"gte=0"`
	MinIdleConns   int    `validate:"gte=0"`
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// WorkerConfig tunes the dispatcher and the verifier.
type WorkerConfig struct {
	Count              int           `validate:"gte=1"`
	ProcessingTimeout  time.Duration `validate:"gt=0"`
	RetryAttempts      int           `validate:"gte=1"`
	RetryDelay         time.Duration `validate:"gt=0"`
	RetryMaxDelay      time.Duration `validate:"gtefield=RetryDelay"`
	MaxDeliveries      int           `validate:"gte=1"`
	StoreFailurePolicy string        `validate:"oneof=requeue deadletter"`
	CircuitThreshold   int           `validate:"gte=1"`
	CircuitCooldown    time.Duration `validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// FromEnv builds a Config from environment variables, applying defaults for
// unset ones. Values that do not parse are reported together.
func FromEnv() (Config, error) {
	e := &envReader{}
	cfg := Config{
		Environment:     e.str("ENVIRONMENT", "development"),
		LogLevel:        strings.ToLower(e.str("LOG_LEVEL", "info")),
		MetricsAddr:     e.str("METRICS_ADDR", ":9090"),
		ShutdownTimeout: e.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		Kafka: KafkaConfig{
			Brokers:         e.str("KAFKA_BROKERS", "localhost:9092"),
			GroupID:         e.str("KAFKA_GROUP_ID", "fpverify-worker"),
			InboundTopic:    e.str("KAFKA_INBOUND_TOPIC", "fingerprint.verification.requests"),
			OutboundTopic:   e.str("KAFKA_OUTBOUND_TOPIC", "fingerprint.verification.results"),
			DeadLetterTopic: e.str("KAFKA_DEAD_LETTER_TOPIC", "fingerprint.verification.dlq"),
			Acks:            e.str("KAFKA_ACKS", "all"),
			DeliveryTimeout: e.duration("KAFKA_DELIVERY_TIMEOUT", 10*time.Second),
			CommitInterval:  e.duration("KAFKA_COMMIT_INTERVAL", time.Second),
		},
		Store: StoreConfig{
			Backend:        strings.ToLower(e.str("STORE_BACKEND", "postgres")),
			DatabaseURL:    e.str("DATABASE_URL", ""),
			DeadLetterSink: strings.ToLower(e.str("DEAD_LETTER_SINK", "kafka")),
		},
		Redis: RedisConfig{
			URL:            e.str("REDIS_URL", ""),
			FingerprintSet: e.str("REDIS_FINGERPRINT_SET", "fingerprints"),
			PoolSize:       e.integer("REDIS_POOL_SIZE", 20),
			MinIdleConns:   e.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:    e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:    e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:   e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Worker: WorkerConfig{
			Count:              e.integer("WORKER_COUNT", 8),
			ProcessingTimeout:  e.duration("PROCESSING_TIMEOUT", 5*time.Second),
			RetryAttempts:      e.integer("STORE_RETRY_ATTEMPTS", 3),
			RetryDelay:         e.duration("STORE_RETRY_DELAY", 100*time.Millisecond),
			RetryMaxDelay:      e.duration("STORE_RETRY_MAX_DELAY", 2*time.Second),
			MaxDeliveries:      e.integer("MAX_DELIVERIES", 5),
			StoreFailurePolicy: strings.ToLower(e.str("STORE_FAILURE_POLICY", "requeue")),
			CircuitThreshold:   e.integer("STORE_CIRCUIT_THRESHOLD", 5),
			CircuitCooldown:    e.duration("STORE_CIRCUIT_COOLDOWN", 5*time.Second),
		},
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and the settings that depend on each other.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Backend == "redis" && c.Redis.URL == "" {
		return errors.New("invalid config: REDIS_URL is required for the redis store")
	}
	if c.Store.DeadLetterSink == "postgres" && c.Store.DatabaseURL == "" {
		return errors.New("invalid config: DATABASE_URL is required for the postgres dead-letter sink")
	}
	if c.IsProduction() && c.Store.Backend == "memory" {
		return errors.New("invalid config: the memory store is not allowed in production")
	}
	if c.Kafka.OutboundTopic == c.Kafka.DeadLetterTopic {
		return errors.New("invalid config: outbound and dead-letter topics must differ")
	}
	return nil
}

// IsProduction reports whether the worker runs in production.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

type envReader struct {
	errs []error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
