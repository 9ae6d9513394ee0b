package storage

import "context"

// The audit tables are append-only and never read by the pipeline.

// LogUserNeed records the raw text of an admitted message.
func (s *Store) LogUserNeed(ctx context.Context, seq int64, contact, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_needs (sequence_id, contact, message_text, created_at)
		VALUES (?, ?, ?, ?)`, seq, contact, text, now())
	return err
}

// LogClassification records one classifier verdict or failure.
func (s *Store) LogClassification(ctx context.Context, seq int64, text string, isNeed bool, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_log (sequence_id, message_text, is_need, error, created_at)
		VALUES (?, ?, ?, ?, ?)`, seq, text, isNeed, errMsg, now())
	return err
}

// LogEnrichment records one research response or failure.
func (s *Store) LogEnrichment(ctx context.Context, seq int64, query, contact, response, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrichment_log (sequence_id, query, contact, response, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, seq, query, contact, response, errMsg, now())
	return err
}
