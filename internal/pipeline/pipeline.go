// Package pipeline wires the ingestion, classification, enrichment and
// dispatch stages together and supervises them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/affbot/internal/ingest"
	"github.com/kalambet/affbot/internal/queue"
	"github.com/kalambet/affbot/internal/source"
	"github.com/kalambet/affbot/internal/storage"
)

const (
	defaultClassifyTimeout  = 30 * time.Second
	defaultEnrichTimeout    = 90 * time.Second
	defaultSendTimeout      = 15 * time.Second
	defaultDispatchInterval = 10 * time.Second
)

// Classifier decides whether text is a product need.
type Classifier interface {
	Classify(ctx context.Context, text string) (bool, error)
}

// Researcher produces recommendation text for a need.
type Researcher interface {
	Enrich(ctx context.Context, query, contact string) (string, error)
}

// Sender delivers a composed reply.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Queue is the hand-off between stages.
type Queue interface {
	Push(ctx context.Context, item ingest.Item) error
	Pop(ctx context.Context) (ingest.Item, error)
}

// Store is the subset of the durable store the stages use.
type Store interface {
	ingest.Admitter
	AdvanceWorkItem(ctx context.Context, seq int64, from, to storage.Stage, lastErr string) (bool, error)
	ListWorkItems(ctx context.Context, stages ...storage.Stage) ([]storage.WorkItem, error)
	CompleteEnrichment(ctx context.Context, n storage.NeedRecord) (bool, error)
	ListNeeds(ctx context.Context, status storage.Status, limit int) ([]storage.NeedRecord, error)
	MarkSent(ctx context.Context, seq int64) (bool, error)
	LogClassification(ctx context.Context, seq int64, text string, isNeed bool, errMsg string) error
	LogEnrichment(ctx context.Context, seq int64, query, contact, response, errMsg string) error
}

// Config holds stage timings. Zero values use the defaults.
type Config struct {
	PollInterval     time.Duration
	DispatchInterval time.Duration
	ClassifyTimeout  time.Duration
	EnrichTimeout    time.Duration
	SendTimeout      time.Duration
	// QueueCapacity bounds both queues; <= 0 leaves them unbounded.
	QueueCapacity int
}

// Pipeline owns the two queues and the four stages.
type Pipeline struct {
	store     Store
	classifyQ *queue.FIFO[ingest.Item]
	enrichQ   *queue.FIFO[ingest.Item]

	ingest   *ingest.Worker
	classify *ClassifyStage
	enrich   *EnrichStage
	dispatch *DispatchStage

	logger *slog.Logger
}

func New(src source.Source, store Store, c Classifier, r Researcher, s Sender, cfg Config) *Pipeline {
	classifyQ := queue.New[ingest.Item](cfg.QueueCapacity)
	enrichQ := queue.New[ingest.Item](cfg.QueueCapacity)
	return &Pipeline{
		store:     store,
		classifyQ: classifyQ,
		enrichQ:   enrichQ,
		ingest:    ingest.NewWorker(src, store, classifyQ, cfg.PollInterval),
		classify:  NewClassifyStage(classifyQ, enrichQ, c, store, cfg.ClassifyTimeout),
		enrich:    NewEnrichStage(enrichQ, r, store, cfg.EnrichTimeout),
		dispatch:  NewDispatchStage(store, s, cfg.DispatchInterval, cfg.SendTimeout),
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// Run recovers unfinished work and runs all stages until ctx is cancelled.
// Items already popped when ctx is cancelled are finished before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { p.classify.Run(gctx); return nil })
	g.Go(func() error { p.enrich.Run(gctx); return nil })
	g.Go(func() error { p.dispatch.Run(gctx); return nil })

	// Consumers are already running so a bounded queue cannot block recovery.
	// Ingestion starts only afterwards, keeping recovered items ahead of
	// anything newly admitted.
	g.Go(func() error {
		n, err := p.Recover(gctx)
		switch {
		case err != nil && gctx.Err() != nil:
			p.logger.Warn("recovery interrupted", "requeued", n, "error", err)
			return nil
		case err != nil:
			return err
		case n > 0:
			p.logger.Info("recovered unfinished work", "requeued", n)
		}
		p.ingest.Run(gctx)
		return nil
	})

	return g.Wait()
}

// Recover re-enqueues every work item left at classify or enrich by a
// previous run. New items must not be admitted until it returns; Run calls it
// before starting ingestion.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	pending, err := p.store.ListWorkItems(ctx, storage.StageClassify, storage.StageEnrich)
	if err != nil {
		return 0, fmt.Errorf("loading unfinished work: %w", err)
	}
	return p.requeue(ctx, pending)
}

func (p *Pipeline) requeue(ctx context.Context, items []storage.WorkItem) (int, error) {
	n := 0
	for _, wi := range items {
		item := ingest.Item{SequenceID: wi.SequenceID, Contact: wi.Contact, Text: wi.Text}
		q := p.classifyQ
		if wi.Stage == storage.StageEnrich {
			q = p.enrichQ
		}
		if err := q.Push(ctx, item); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// QueueDepths reports the number of items waiting in each queue.
func (p *Pipeline) QueueDepths() (classify, enrich int) {
	return p.classifyQ.Len(), p.enrichQ.Len()
}

func logOutcome(logger *slog.Logger, seq int64, o Outcome) {
	switch o.Kind {
	case OutcomeDropped:
		logger.Warn("item dropped", "sequence_id", seq, "reason", o.Reason)
	case OutcomeRetry:
		logger.Warn("item will be retried", "sequence_id", seq, "reason", o.Reason)
	case OutcomeSkipped:
		logger.Debug("item skipped", "sequence_id", seq, "reason", o.Reason)
	default:
		logger.Info("item processed", "sequence_id", seq, "outcome", string(o.Kind))
	}
}
