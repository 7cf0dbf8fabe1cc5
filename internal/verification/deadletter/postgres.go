// Package deadletter persists dead letters to Postgres.
package deadletter

import (
	"context"
	"database/sql"
	"fmt"

	"fpverify/internal/verification/models"
	"fpverify/internal/verification/ports"
)

// PostgresSink writes dead letters to the dead_letters table. Writing the
// same letter twice is a no-op.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) DeadLetter(ctx context.Context, letter models.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, request_id, reason, cause, payload, attempt, failed_at)
		VALUES ($1, NULLIF($2::text, ''), $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, letter.ID, letter.RequestID, string(letter.Reason), letter.Cause, letter.Payload, letter.Attempt, letter.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", letter.ID, err)
	}
	return nil
}

// Recent returns up to limit dead letters, newest first.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(request_id, ''), reason, cause, payload, attempt, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var (
			letter models.DeadLetter
			reason string
		)
		if err := rows.Scan(&letter.ID, &letter.RequestID, &reason, &letter.Cause, &letter.Payload, &letter.Attempt, &letter.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letter.Reason = models.DeadLetterReason(reason)
		letter.FailedAt = letter.FailedAt.UTC()
		out = append(out, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

var _ ports.DeadLetterSink = (*PostgresSink)(nil)
