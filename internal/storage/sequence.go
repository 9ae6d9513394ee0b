package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SeedSequence creates the counter row with start as the first value to hand
// out. It never resets an existing counter; it reports whether it seeded.
func (s *Store) SeedSequence(ctx context.Context, start int64) (bool, error) {
	if start < 1 {
		return false, fmt.Errorf("sequence start must be positive, got %d", start)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sequence_counter (id, next_value) VALUES (1, ?)`, start)
	if err != nil {
		return false, fmt.Errorf("seeding sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CheckSequence returns ErrUninitializedSequence when the counter was never seeded.
func (s *Store) CheckSequence(ctx context.Context) error {
	var next int64
	err := s.db.QueryRowContext(ctx, `SELECT next_value FROM sequence_counter WHERE id = 1`).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUninitializedSequence
	}
	if err != nil {
		return fmt.Errorf("reading sequence: %w", err)
	}
	return nil
}

// NextSequence reserves and returns the next sequence identifier in its own
// transaction.
func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning sequence transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSequence(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing sequence: %w", err)
	}
	return seq, nil
}

// nextSequence is the read-modify-write on the counter row. A single UPDATE
// ... RETURNING keeps the read and the increment in one statement.
func nextSequence(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE sequence_counter SET next_value = next_value + 1 WHERE id = 1 RETURNING next_value - 1`,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUninitializedSequence
	}
	if err != nil {
		return 0, fmt.Errorf("reserving sequence: %w", err)
	}
	return seq, nil
}
