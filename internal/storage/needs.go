package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const needColumns = `sequence_id, contact, query_text, generated_response, affiliate_link, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNeed(r rowScanner) (NeedRecord, error) {
	var n NeedRecord
	var link sql.NullString
	var status, createdAt, updatedAt string
	if err := r.Scan(&n.SequenceID, &n.Contact, &n.QueryText, &n.GeneratedResponse, &link, &status, &createdAt, &updatedAt); err != nil {
		return NeedRecord{}, err
	}
	n.AffiliateLink = link.String
	n.Status = Status(status)
	var err error
	if n.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return NeedRecord{}, err
	}
	if n.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return NeedRecord{}, err
	}
	return n, nil
}

// CompleteEnrichment creates the pending NeedRecord and retires the work item
// in one transaction.
func (s *Store) CompleteEnrichment(ctx context.Context, n NeedRecord) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning enrichment transaction: %w", err)
	}
	defer tx.Rollback()

	created, err := insertNeed(ctx, tx, n)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE work_items SET stage = ?, last_error = '', updated_at = ? WHERE sequence_id = ?`,
		StageDone, now(), n.SequenceID,
	); err != nil {
		return false, fmt.Errorf("retiring work item %d: %w", n.SequenceID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing enrichment: %w", err)
	}
	return created, nil
}

func insertNeed(ctx context.Context, tx *sql.Tx, n NeedRecord) (bool, error) {
	ts := now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO need_records (sequence_id, contact, query_text, generated_response, affiliate_link, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
		n.SequenceID, n.Contact, n.QueryText, n.GeneratedResponse, StatusPending, ts, ts,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inserting need %d: %w", n.SequenceID, err)
	}
	return true, nil
}

// GetNeed returns the record for seq or ErrNotFound.
func (s *Store) GetNeed(ctx context.Context, seq int64) (NeedRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+needColumns+` FROM need_records WHERE sequence_id = ?`, seq)
	n, err := scanNeed(row)
	if err != nil {
		return NeedRecord{}, notFound(err)
	}
	return n, nil
}

// ListNeeds returns records with the given status, oldest first. A limit of
// zero or less means no limit.
func (s *Store) ListNeeds(ctx context.Context, status Status, limit int) ([]NeedRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+needColumns+` FROM need_records
		WHERE status = ?
		ORDER BY sequence_id ASC
		LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []NeedRecord
	for rows.Next() {
		n, err := scanNeed(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, n)
	}
	return results, rows.Err()
}

// Approve moves a pending record to approved and attaches link. It returns
// false when the record is missing or no longer pending; the losing side of
// a concurrent approval sees false, not an error.
func (s *Store) Approve(ctx context.Context, seq int64, link string) (bool, error) {
	return s.transition(ctx, `
		UPDATE need_records SET affiliate_link = ?, status = ?, updated_at = ?
		WHERE sequence_id = ? AND status = ?`,
		link, StatusApproved, now(), seq, StatusPending)
}

// MarkSent moves an approved record to sent.
func (s *Store) MarkSent(ctx context.Context, seq int64) (bool, error) {
	return s.transition(ctx, `
		UPDATE need_records SET status = ?, updated_at = ?
		WHERE sequence_id = ? AND status = ?`,
		StatusSent, now(), seq, StatusApproved)
}

func (s *Store) transition(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteNeed removes the record whatever its status and reports whether a
// row existed.
func (s *Store) DeleteNeed(ctx context.Context, seq int64) (bool, error) {
	return s.transition(ctx, `DELETE FROM need_records WHERE sequence_id = ?`, seq)
}

// CountNeeds returns the number of records per status. Every known status
// is present in the result.
func (s *Store) CountNeeds(ctx context.Context) (map[Status]int, error) {
	counts := map[Status]int{StatusPending: 0, StatusApproved: 0, StatusSent: 0}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM need_records GROUP BY status`)
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
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}
