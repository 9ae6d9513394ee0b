package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/affbot/internal/storage"
)

// urlPattern needs the scheme separator so words like "httpie" survive.
var urlPattern = regexp.MustCompile(`https?://\S+|www\.\S+`)

// StripURLs removes literal URLs from generated text so the only link in a
// reply is the approved affiliate link.
func StripURLs(text string) string {
	return strings.TrimSpace(urlPattern.ReplaceAllString(text, ""))
}

// Compose builds the outbound reply for an approved record.
func Compose(response, link string) string {
	return StripURLs(response) + "\nProduct Link: " + link
}

// DispatchStage periodically sends every approved record and marks it sent.
// Delivery is at-least-once: a send whose acknowledgement is lost is
// repeated on the next tick.
type DispatchStage struct {
	store    Store
	sender   Sender
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewDispatchStage(store Store, sender Sender, interval, timeout time.Duration) *DispatchStage {
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &DispatchStage{
		store:    store,
		sender:   sender,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default().With("stage", "dispatch"),
	}
}

// Run dispatches on every tick until ctx is cancelled.
func (s *DispatchStage) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("dispatch tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// RunOnce sends all currently approved records and returns how many were
// marked sent.
func (s *DispatchStage) RunOnce(ctx context.Context) (int, error) {
	log := s.logger.With("tick_id", uuid.NewString())

	approved, err := s.store.ListNeeds(ctx, storage.StatusApproved, 0)
	if err != nil {
		return 0, fmt.Errorf("listing approved needs: %w", err)
	}

	sent := 0
	for _, n := range approved {
		if ctx.Err() != nil {
			break
		}
		o := s.Process(ctx, n)
		logOutcome(log, n.SequenceID, o)
		if o.Kind == OutcomeSent {
			sent++
		}
	}
	return sent, nil
}

// Process sends one approved record. A failed send leaves it approved.
func (s *DispatchStage) Process(ctx context.Context, n storage.NeedRecord) Outcome {
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.sender.Send(work, Compose(n.GeneratedResponse, n.AffiliateLink)); err != nil {
		return outcome(OutcomeRetry, err.Error())
	}

	ok, err := s.store.MarkSent(work, n.SequenceID)
	if err != nil {
		return outcome(OutcomeRetry, "marking sent: "+err.Error())
	}
	if !ok {
		return outcome(OutcomeSkipped, "record no longer approved")
	}
	return outcome(OutcomeSent, "")
}
