package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxHTTPBatch = 4 << 20 // 4MB

// HTTPSource polls a bridge endpoint that returns a JSON array of messages,
// typically the most recent messages visible on the chat surface.
type HTTPSource struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewHTTPSource creates an HTTPSource. token is sent as a bearer token when
// non-empty.
func NewHTTPSource(url, token string) *HTTPSource {
	return &HTTPSource{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *HTTPSource) Fetch(ctx context.Context) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var msgs []Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHTTPBatch)).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	for i := range msgs {
		msgs[i] = Normalize(msgs[i])
	}
	return msgs, nil
}
