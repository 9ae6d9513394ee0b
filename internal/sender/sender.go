// Package sender delivers composed replies to the outbound chat surface.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Webhook posts each reply as {"text": "..."} to a bridge endpoint. Any 2xx
// status counts as delivered.
type Webhook struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewWebhook creates a Webhook sender. token is sent as a bearer token when
// non-empty. A zero timeout defaults to 15s.
func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Webhook{
		url:        strings.TrimSpace(url),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	Text string `json:"text"`
}

func (w *Webhook) Send(ctx context.Context, text string) error {
	body, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Log writes replies to a logger instead of sending them. Used for dry runs.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("sender", "log")}
}

func (l *Log) Send(_ context.Context, text string) error {
	l.logger.Info("reply", "text", text)
	return nil
}
