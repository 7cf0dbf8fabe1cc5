package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fpverify/internal/fingerprint/store"
	"fpverify/internal/platform/config"
	"fpverify/internal/platform/database"
	platformredis "fpverify/internal/platform/redis"
)

// resources are the connections the worker owns and closes last.
type resources struct {
	store store.Store
	db    *database.Pool
	redis *platformredis.Client
}

// openResources connects the configured fingerprint store, plus Postgres
// when dead letters go there. Any connection failure is fatal.
func openResources(ctx context.Context, cfg config.Config, log *slog.Logger) (*resources, error) {
	res := &resources{}

	needsDB := cfg.Store.Backend == store.BackendPostgres || cfg.Store.DeadLetterSink == "postgres"
	if needsDB {
		dbCfg := database.DefaultConfig()
		dbCfg.URL = cfg.Store.DatabaseURL
		pool, err := database.New(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		res.db = pool
	}

	switch cfg.Store.Backend {
	case store.BackendPostgres:
		res.store = store.NewPostgresStore(res.db.DB())
	case store.BackendRedis:
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			res.close(log)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		res.redis = client
		res.store = store.NewRedisStore(client, cfg.Redis.FingerprintSet)
	case store.BackendMemory:
		log.Warn("using in-memory fingerprint store; every fingerprint will be reported missing until seeded")
		res.store = store.NewInMemoryStore()
	default:
		res.close(log)
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	return res, nil
}

// probe checks the store once before consuming and logs the round trip.
func (r *resources) probe(ctx context.Context, backend string, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := r.store.Health(ctx); err != nil {
		return fmt.Errorf("fingerprint store unreachable: %w", err)
	}
	log.Info("fingerprint store reachable",
		"backend", backend,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (r *resources) close(log *slog.Logger) {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			log.Error("failed to close redis client", "error", err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			log.Error("failed to close database pool", "error", err)
		}
	}
}
