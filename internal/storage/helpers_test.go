package storage

import (
	"context"
	"fmt"
)

// createNeed inserts a pending record without touching the work item.
func (s *Store) createNeed(ctx context.Context, n NeedRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	created, err := insertNeed(ctx, tx, n)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing need: %w", err)
	}
	return created, nil
}

func (s *Store) isProcessed(ctx context.Context, externalID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE external_id = ?`, externalID,
	).Scan(&n)
	return n > 0, err
}

func (s *Store) sequenceFor(ctx context.Context, externalID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence_id FROM processed_messages WHERE external_id = ?`, externalID,
	).Scan(&seq)
	if err != nil {
		return 0, notFound(err)
	}
	return seq, nil
}
