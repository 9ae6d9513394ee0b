package storage

import (
	"context"
	"fmt"
	"strings"
)

// AdvanceWorkItem moves a work item from one stage to another. It returns
// false when the item is not currently at from.
func (s *Store) AdvanceWorkItem(ctx context.Context, seq int64, from, to Stage, lastErr string) (bool, error) {
	return s.transition(ctx, `
		UPDATE work_items SET stage = ?, last_error = ?, updated_at = ?
		WHERE sequence_id = ? AND stage = ?`,
		to, lastErr, now(), seq, from)
}

// GetWorkItem returns the work item for seq or ErrNotFound.
func (s *Store) GetWorkItem(ctx context.Context, seq int64) (WorkItem, error) {
	items, err := s.queryWorkItems(ctx, `WHERE sequence_id = ?`, seq)
	if err != nil {
		return WorkItem{}, err
	}
	if len(items) == 0 {
		return WorkItem{}, ErrNotFound
	}
	return items[0], nil
}

// ListWorkItems returns items at any of the given stages in sequence order.
func (s *Store) ListWorkItems(ctx context.Context, stages ...Stage) ([]WorkItem, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	args := make([]any, len(stages))
	for i, st := range stages {
		args[i] = st
	}
	placeholders := strings.Repeat(",?", len(stages)-1)
	return s.queryWorkItems(ctx, `WHERE stage IN (?`+placeholders+`) ORDER BY sequence_id ASC`, args...)
}

func (s *Store) queryWorkItems(ctx context.Context, where string, args ...any) ([]WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_id, contact, text, stage, last_error, created_at, updated_at
		FROM work_items `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []WorkItem
	for rows.Next() {
		var w WorkItem
		var stage, createdAt, updatedAt string
		if err := rows.Scan(&w.SequenceID, &w.Contact, &w.Text, &stage, &w.LastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		w.Stage = Stage(stage)
		if w.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, fmt.Errorf("work item %d: %w", w.SequenceID, err)
		}
		if w.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, fmt.Errorf("work item %d: %w", w.SequenceID, err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// CountWorkItems returns the number of work items per stage.
func (s *Store) CountWorkItems(ctx context.Context) (map[Stage]int, error) {
	counts := map[Stage]int{StageClassify: 0, StageEnrich: 0, StageDone: 0, StageDropped: 0}
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM work_items GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Stage(st)] = n
	}
	return counts, rows.Err()
}
