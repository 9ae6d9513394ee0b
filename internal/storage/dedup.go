package storage

import (
	"context"
	"fmt"
)

// Admit records externalID as processed, reserves a sequence identifier for
// it and stores the classify-stage work item, all in one transaction.
//
// A duplicate externalID is not an error: the transaction is rolled back,
// no sequence value is consumed and Admitted is false.
func (s *Store) Admit(ctx context.Context, externalID, contact, text string) (Admission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Admission{}, fmt.Errorf("beginning admit transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages WHERE external_id = ?`, externalID,
	).Scan(&exists); err != nil {
		return Admission{}, fmt.Errorf("checking processed message: %w", err)
	}
	if exists > 0 {
		return Admission{}, nil
	}

	seq, err := nextSequence(ctx, tx)
	if err != nil {
		return Admission{}, err
	}

	ts := now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_messages (external_id, sequence_id, created_at) VALUES (?, ?, ?)`,
		externalID, seq, ts,
	); err != nil {
		if isUniqueViolation(err) {
			return Admission{}, nil
		}
		return Admission{}, fmt.Errorf("inserting processed message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO work_items (sequence_id, contact, text, stage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		seq, contact, text, StageClassify, ts, ts,
	); err != nil {
		return Admission{}, fmt.Errorf("inserting work item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return Admission{}, nil
		}
		return Admission{}, fmt.Errorf("committing admission: %w", err)
	}
	return Admission{SequenceID: seq, Admitted: true}, nil
}
