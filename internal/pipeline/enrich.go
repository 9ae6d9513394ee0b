package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/affbot/internal/ingest"
	"github.com/kalambet/affbot/internal/storage"
)

// EnrichStage turns classified needs into pending need records.
type EnrichStage struct {
	in         Queue
	researcher Researcher
	store      Store
	timeout    time.Duration
	logger     *slog.Logger
}

func NewEnrichStage(in Queue, r Researcher, store Store, timeout time.Duration) *EnrichStage {
	if timeout <= 0 {
		timeout = defaultEnrichTimeout
	}
	return &EnrichStage{
		in:         in,
		researcher: r,
		store:      store,
		timeout:    timeout,
		logger:     slog.Default().With("stage", "enrich"),
	}
}

// Run consumes the enrichment queue until ctx is cancelled.
func (s *EnrichStage) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := s.in.Pop(ctx)
		if err != nil {
			return
		}
		o := s.Process(ctx, item)
		logOutcome(s.logger, item.SequenceID, o)
	}
}

// Process researches one need and stores the result as a pending record.
// A failed research call drops the item; no placeholder record is written.
func (s *EnrichStage) Process(ctx context.Context, item ingest.Item) Outcome {
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	response, err := s.researcher.Enrich(work, item.Text, item.Contact)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if logErr := s.store.LogEnrichment(work, item.SequenceID, item.Text, item.Contact, response, errMsg); logErr != nil {
		s.logger.Warn("enrichment audit failed", "sequence_id", item.SequenceID, "error", logErr)
	}
	if err != nil {
		s.drop(work, item.SequenceID, errMsg)
		return outcome(OutcomeDropped, errMsg)
	}

	created, err := s.store.CompleteEnrichment(work, storage.NeedRecord{
		SequenceID:        item.SequenceID,
		Contact:           item.Contact,
		QueryText:         item.Text,
		GeneratedResponse: response,
	})
	if err != nil {
		s.drop(work, item.SequenceID, err.Error())
		return outcome(OutcomeDropped, "storing need: "+err.Error())
	}
	if !created {
		return outcome(OutcomeSkipped, "need record already exists")
	}
	return outcome(OutcomeAdvanced, "")
}

func (s *EnrichStage) drop(ctx context.Context, seq int64, reason string) {
	if _, err := s.store.AdvanceWorkItem(ctx, seq, storage.StageEnrich, storage.StageDropped, reason); err != nil {
		s.logger.Error("dropping work item", "sequence_id", seq, "error", err)
	}
}
