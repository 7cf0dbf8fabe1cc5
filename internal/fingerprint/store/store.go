// Package store holds the fingerprint existence backends.
//
// Every backend answers ExistsBatch with one round trip, regardless of how
// many IDs are asked for, and never caches answers between calls.
package store

import (
	"context"
	"fmt"
	"strings"
)

// Store is the full backend surface used by the worker and the seeding CLI.
type Store interface {
	ExistsBatch(ctx context.Context, ids []string) (map[string]bool, error)
	Add(ctx context.Context, ids ...string) error
	Health(ctx context.Context) error
}

// Backend names accepted by STORE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// ParseBackend normalises and validates a backend name.
func ParseBackend(name string) (string, error) {
	switch b := strings.ToLower(strings.TrimSpace(name)); b {
	case BackendPostgres, BackendRedis, BackendMemory:
		return b, nil
	default:
		return "", fmt.Errorf("unknown store backend %q", name)
	}
}

func emptyResult(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = false
	}
	return out
}
