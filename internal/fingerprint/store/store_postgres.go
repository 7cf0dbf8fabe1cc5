package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	dErrors "fpverify/pkg/domain-errors"
)

// PostgresStore looks fingerprints up in the fingerprints table.
// The *sql.DB is expected to use the pgx stdlib driver, which encodes
// []string arguments as text[].
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ExistsBatch issues a single ANY($1) query for the whole batch.
func (s *PostgresStore) ExistsBatch(ctx context.Context, ids []string) (map[string]bool, error) {
	out := emptyResult(ids)
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM fingerprints WHERE id = ANY($1)`, ids)
	if err != nil {
		if isDataException(err) {
			return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "fingerprint ids rejected: "+err.Error())
		}
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan fingerprint id: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fingerprints: %w", err)
	}
	return out, nil
}

// Add inserts IDs, ignoring ones already present.
func (s *PostgresStore) Add(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fingerprints (id)
		SELECT unnest($1::text[])
		ON CONFLICT (id) DO NOTHING
	`, ids)
	if err != nil {
		return fmt.Errorf("insert fingerprints: %w", err)
	}
	return nil
}

func (s *PostgresStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// isDataException reports SQLSTATE class 22: postgres refused the values
// themselves (a NUL byte in text, invalid encoding), so retrying cannot help.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "22")
}

var _ Store = (*PostgresStore)(nil)
