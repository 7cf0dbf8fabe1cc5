// Command fpverify-seed loads fingerprint IDs into the configured store.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-set/v2"

	"fpverify/internal/fingerprint/store"
	"fpverify/internal/platform/config"
	"fpverify/internal/platform/database"
	platformredis "fpverify/internal/platform/redis"
	"fpverify/internal/verification/models"
)

const defaultBatchSize = 1000

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("fpverify-seed", flag.ExitOnError)
	backend := fs.String("backend", cfg.Store.Backend, "Store backend: postgres or redis")
	file := fs.String("file", "-", "File with one fingerprint ID per line; '-' reads stdin")
	batch := fs.Int("batch", defaultBatchSize, "IDs written per round trip")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall deadline")
	_ = fs.Parse(os.Args[1:])

	ids := fs.Args()
	if len(ids) == 0 {
		fromFile, err := readIDs(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", *file, err)
			return 1
		}
		ids = fromFile
	}
	ids = canonicalIDs(ids)
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "No fingerprint IDs given")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	s, closeFn, err := openStore(ctx, cfg, *backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s store: %v\n", *backend, err)
		return 1
	}
	defer closeFn()

	written, err := seed(ctx, s, ids, *batch)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error after %d IDs: %v\n", written, err)
		return 1
	}
	fmt.Printf("Seeded %d fingerprint IDs into %s\n", written, *backend)
	return 0
}

// seed writes ids in batches and returns how many were written.
func seed(ctx context.Context, s store.Store, ids []string, batch int) (int, error) {
	if batch <= 0 {
		batch = defaultBatchSize
	}
	written := 0
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		if err := s.Add(ctx, ids[start:end]...); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// canonicalIDs stores IDs in the form the worker looks them up in.
func canonicalIDs(ids []string) []string {
	seen := set.New[string](len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = models.CanonicalFingerprintID(strings.TrimSpace(id))
		if id != "" && seen.Insert(id) {
			out = append(out, id)
		}
	}
	return out
}

func openStore(ctx context.Context, cfg config.Config, backend string) (store.Store, func(), error) {
	name, err := store.ParseBackend(backend)
	if err != nil {
		return nil, nil, err
	}
	switch name {
	case store.BackendPostgres:
		dbCfg := database.DefaultConfig()
		dbCfg.URL = cfg.Store.DatabaseURL
		pool, err := database.New(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(pool.DB()), func() { _ = pool.Close() }, nil
	case store.BackendRedis:
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(client, cfg.Redis.FingerprintSet), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("the %s store does not outlive this process", name)
	}
}

func readIDs(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			ids = append(ids, line)
		}
	}
	return ids, sc.Err()
}
