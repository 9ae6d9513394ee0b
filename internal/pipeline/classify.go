package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/affbot/internal/ingest"
	"github.com/kalambet/affbot/internal/storage"
)

// ClassifyStage pops admitted items, asks the classifier whether each one is
// a product need and forwards needs to the enrichment queue.
type ClassifyStage struct {
	in         Queue
	out        Queue
	classifier Classifier
	store      Store
	timeout    time.Duration
	logger     *slog.Logger
}

func NewClassifyStage(in, out Queue, c Classifier, store Store, timeout time.Duration) *ClassifyStage {
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	return &ClassifyStage{
		in:         in,
		out:        out,
		classifier: c,
		store:      store,
		timeout:    timeout,
		logger:     slog.Default().With("stage", "classify"),
	}
}

// Run consumes the input queue until ctx is cancelled.
func (s *ClassifyStage) Run(ctx context.Context) {
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

// Process classifies one item. The classifier call and the store updates run
// to completion even if ctx is cancelled; only the hand-off to the next queue
// observes ctx.
func (s *ClassifyStage) Process(ctx context.Context, item ingest.Item) Outcome {
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	isNeed, err := s.classifier.Classify(work, item.Text)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if logErr := s.store.LogClassification(work, item.SequenceID, item.Text, isNeed, errMsg); logErr != nil {
		s.logger.Warn("classification audit failed", "sequence_id", item.SequenceID, "error", logErr)
	}

	if err != nil {
		s.advance(work, item.SequenceID, storage.StageDropped, errMsg)
		return outcome(OutcomeDropped, errMsg)
	}
	if !isNeed {
		s.advance(work, item.SequenceID, storage.StageDone, "")
		return outcome(OutcomeRejected, "not a product need")
	}

	ok, err := s.store.AdvanceWorkItem(work, item.SequenceID, storage.StageClassify, storage.StageEnrich, "")
	if err != nil {
		return outcome(OutcomeDropped, "advancing work item: "+err.Error())
	}
	if !ok {
		return outcome(OutcomeSkipped, "work item not at classify")
	}
	if err := s.out.Push(ctx, item); err != nil {
		// Still durable at stage enrich; recovered on next start.
		return outcome(OutcomeRetry, "enqueue interrupted: "+err.Error())
	}
	return outcome(OutcomeAdvanced, "")
}

func (s *ClassifyStage) advance(ctx context.Context, seq int64, to storage.Stage, reason string) {
	if _, err := s.store.AdvanceWorkItem(ctx, seq, storage.StageClassify, to, reason); err != nil {
		s.logger.Error("updating work item", "sequence_id", seq, "to", to, "error", err)
	}
}
