package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ack is the collaborator's answer to a successful publish.
type Ack struct {
	ID      int64 `json:"id"`
	Created bool  `json:"created"`
}

// ItemResult is one entry of a bulk publish response, ordered 1:1 with the
// submitted drafts.
type ItemResult struct {
	ID      int64  `json:"id"`
	Created bool   `json:"created"`
	Error   string `json:"error,omitempty"`
}

// Client talks to the content platform's ingest API. Every authenticated
// call carries the static bearer token from configuration.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates an API client for the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateEntity creates or upserts one entity of the given kind. The
// collaborator deduplicates by natural key, so replays are safe.
func (c *Client) CreateEntity(ctx context.Context, kind string, fields map[string]string) (*Ack, error) {
	body, err := c.post(ctx, "/entities/"+kind, fields)
	if err != nil {
		return nil, err
	}

	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	return &ack, nil
}

// BulkCreate submits a batch of drafts of one kind, returning per-item
// results in submission order.
func (c *Client) BulkCreate(ctx context.Context, kind string, items []map[string]string) ([]ItemResult, error) {
	payload := map[string]any{"kind": kind, "items": items}
	body, err := c.post(ctx, "/entities/bulk", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		Results []ItemResult `json:"results"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decoding bulk response: %w", err)}
	}
	if len(result.Results) != len(items) {
		return nil, &TransientError{Err: fmt.Errorf("bulk response has %d results for %d items", len(result.Results), len(items))}
	}
	return result.Results, nil
}

// Health checks collaborator liveness. No auth required.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Status fetches collaborator health and capacity details. Requires auth.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status check: HTTP %d", resp.StatusCode)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return status, nil
}

// post sends an authenticated JSON POST and classifies failures into the
// transient/terminal taxonomy.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &TerminalError{Err: fmt.Errorf("marshaling payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, &TerminalError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{Status: resp.StatusCode, RateLimited: true, Err: fmt.Errorf("rate limited")}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("server error: %s", truncate(body))}
	default:
		return nil, &TerminalError{Status: resp.StatusCode, Err: fmt.Errorf("rejected: %s", truncate(body))}
	}
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
