// Package approval is the human gate between generated content and dispatch.
// An administrator attaches an affiliate link to a pending record, or
// discards it.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/kalambet/affbot/internal/storage"
)

// ErrInvalidLink is returned when an affiliate link is not an absolute
// http or https URL with a valid host.
var ErrInvalidLink = errors.New("invalid affiliate link")

// Store abstracts the need record operations the gate needs.
type Store interface {
	Approve(ctx context.Context, seq int64, link string) (bool, error)
	DeleteNeed(ctx context.Context, seq int64) (bool, error)
	ListNeeds(ctx context.Context, status storage.Status, limit int) ([]storage.NeedRecord, error)
}

type Gate struct {
	store  Store
	logger *slog.Logger
}

func NewGate(store Store) *Gate {
	return &Gate{store: store, logger: slog.Default().With("stage", "approval")}
}

// Approve attaches link to the pending record seq and moves it to approved.
// It returns false when the record is missing or no longer pending; that is
// not an error. An invalid link returns ErrInvalidLink and changes nothing.
func (g *Gate) Approve(ctx context.Context, seq int64, link string) (bool, error) {
	link, err := ValidateLink(link)
	if err != nil {
		return false, err
	}
	ok, err := g.store.Approve(ctx, seq, link)
	if err != nil {
		return false, fmt.Errorf("approving %d: %w", seq, err)
	}
	if ok {
		g.logger.Info("need approved", "sequence_id", seq)
	} else {
		g.logger.Info("approve ignored, record not pending", "sequence_id", seq)
	}
	return ok, nil
}

// Reject deletes record seq whatever its status. It returns false when there
// was nothing to delete.
func (g *Gate) Reject(ctx context.Context, seq int64) (bool, error) {
	ok, err := g.store.DeleteNeed(ctx, seq)
	if err != nil {
		return false, fmt.Errorf("rejecting %d: %w", seq, err)
	}
	if ok {
		g.logger.Info("need rejected", "sequence_id", seq)
	}
	return ok, nil
}

// ListPending returns every record awaiting a link, oldest first.
func (g *Gate) ListPending(ctx context.Context) ([]storage.NeedRecord, error) {
	return g.store.ListNeeds(ctx, storage.StatusPending, 0)
}

// ValidateLink checks that raw is an absolute http(s) URL whose host is a
// valid (possibly internationalized) domain name or IP, and returns it
// trimmed.
func ValidateLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLink)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidLink)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidLink)
	}
	if strings.ContainsAny(host, ":") {
		// IPv6 literal; url.Parse has already validated the brackets.
		return raw, nil
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return "", fmt.Errorf("%w: host %q: %v", ErrInvalidLink, host, err)
	}
	return raw, nil
}
