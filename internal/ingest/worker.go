// Package ingest admits inbound messages into the pipeline exactly once.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/affbot/internal/source"
	"github.com/kalambet/affbot/internal/storage"
)

// Item is a unit of work carried between pipeline stages.
type Item struct {
	SequenceID int64
	Contact    string
	Text       string
}

// Admitter abstracts the dedup store and the user-need audit log.
type Admitter interface {
	Admit(ctx context.Context, externalID, contact, text string) (storage.Admission, error)
	LogUserNeed(ctx context.Context, seq int64, contact, text string) error
}

// Enqueuer receives admitted items.
type Enqueuer interface {
	Push(ctx context.Context, item Item) error
}

// Worker polls a message source, fingerprints each message and forwards
// newly admitted ones to the classification queue.
type Worker struct {
	src    source.Source
	store  Admitter
	out    Enqueuer
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 5s.
func NewWorker(src source.Source, store Admitter, out Enqueuer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		src:    src,
		store:  store,
		out:    out,
		poll:   pollInterval,
		logger: slog.Default().With("stage", "ingest"),
	}
}

// Run polls the source until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("ingest poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce fetches one batch from the source and admits every message in it.
// It returns the number of newly admitted messages. Per-message failures are
// logged and do not abort the batch.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	log := w.logger.With("poll_id", uuid.NewString())

	msgs, err := w.src.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching messages: %w", err)
	}

	admitted := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			return admitted, ctx.Err()
		}
		ok, err := w.admit(ctx, log, m)
		if err != nil {
			log.Warn("message not admitted", "contact", m.Contact, "error", err)
			continue
		}
		if ok {
			admitted++
		}
	}
	if admitted > 0 {
		log.Info("admitted messages", "count", admitted, "fetched", len(msgs))
	}
	return admitted, nil
}

func (w *Worker) admit(ctx context.Context, log *slog.Logger, m source.Message) (bool, error) {
	if m.Text == "" {
		return false, nil
	}
	externalID := Fingerprint(m.Contact, m.Timestamp, m.Text)

	adm, err := w.store.Admit(ctx, externalID, m.Contact, m.Text)
	if err != nil {
		return false, fmt.Errorf("admitting %s: %w", externalID, err)
	}
	if !adm.Admitted {
		log.Debug("duplicate message skipped", "external_id", externalID)
		return false, nil
	}

	if err := w.store.LogUserNeed(ctx, adm.SequenceID, m.Contact, m.Text); err != nil {
		log.Warn("user need audit failed", "sequence_id", adm.SequenceID, "error", err)
	}

	// The work item is durable, so a failed push is picked up by recovery.
	item := Item{SequenceID: adm.SequenceID, Contact: m.Contact, Text: m.Text}
	if err := w.out.Push(ctx, item); err != nil {
		return true, fmt.Errorf("enqueueing sequence %d: %w", adm.SequenceID, err)
	}
	log.Debug("message admitted", "sequence_id", adm.SequenceID, "external_id", externalID)
	return true, nil
}
