package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/affbot/internal/api"
	"github.com/kalambet/affbot/internal/config"
	"github.com/kalambet/affbot/internal/storage"
)

// apiClient talks to the admin API of a running server.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// newAPIClient builds a client from the local config. Tests replace it to
// point at an httptest server.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Admin.Token == "" {
		return nil, errors.New("no admin token configured; start the server once with `affbot start` or set AFFBOT_ADMIN_TOKEN")
	}
	return &apiClient{
		baseURL:    cfg.BaseURL(),
		token:      cfg.Admin.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiError is a non-2xx answer from the admin API.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// call sends body as JSON (when non-nil) and decodes a 2xx response into out
// (when non-nil).
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is affbot running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &apiError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", err)}
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return &apiError{Status: resp.StatusCode, Message: envelope.Error.Message}
	}
	return &apiError{Status: resp.StatusCode, Message: string(body)}
}

func (c *apiClient) health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *apiClient) listNeeds(ctx context.Context, status storage.Status, limit int) ([]storage.NeedRecord, error) {
	q := url.Values{}
	q.Set("status", string(status))
	q.Set("limit", strconv.Itoa(limit))
	var needs []storage.NeedRecord
	err := c.call(ctx, http.MethodGet, "/needs?"+q.Encode(), nil, &needs)
	return needs, err
}

func (c *apiClient) getNeed(ctx context.Context, seq int64) (storage.NeedRecord, error) {
	var n storage.NeedRecord
	err := c.call(ctx, http.MethodGet, fmt.Sprintf("/needs/%d", seq), nil, &n)
	return n, err
}

// approve reports false when the record exists but is no longer pending.
func (c *apiClient) approve(ctx context.Context, seq int64, link string) (bool, error) {
	var result struct {
		Approved bool `json:"approved"`
	}
	err := c.call(ctx, http.MethodPost, fmt.Sprintf("/needs/%d/approve", seq),
		api.ApproveRequest{AffiliateLink: link}, &result)
	return result.Approved, err
}

func (c *apiClient) reject(ctx context.Context, seq int64) (bool, error) {
	var result struct {
		Deleted bool `json:"deleted"`
	}
	err := c.call(ctx, http.MethodDelete, fmt.Sprintf("/needs/%d", seq), nil, &result)
	return result.Deleted, err
}

func (c *apiClient) workItems(ctx context.Context, stage storage.Stage) ([]storage.WorkItem, error) {
	var items []storage.WorkItem
	err := c.call(ctx, http.MethodGet, "/work-items?stage="+url.QueryEscape(string(stage)), nil, &items)
	return items, err
}

func (c *apiClient) stats(ctx context.Context) (api.Stats, error) {
	var s api.Stats
	err := c.call(ctx, http.MethodGet, "/stats", nil, &s)
	return s, err
}
