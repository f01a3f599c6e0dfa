package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/owdb/wrestlebot/internal/config"
)

// defaultCategory is the MediaWiki category walked for event discovery.
const defaultCategory = "Category:Professional wrestling shows"

const wikipediaPageSize = 50

// Wikipedia discovers wrestling pages through the MediaWiki API's
// categorymembers listing. The cursor is the API's cmcontinue token, so a
// run resumes exactly where the previous one stopped.
type Wikipedia struct {
	name     string
	endpoint string
	category string
	gate     *Gate
	client   *http.Client
	now      func() time.Time
}

// NewWikipedia creates a Wikipedia adapter from a source config.
func NewWikipedia(cfg config.Source, gate *Gate) *Wikipedia {
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = "https://en.wikipedia.org/w/api.php"
	}
	return &Wikipedia{
		name:     cfg.Name,
		endpoint: endpoint,
		category: defaultCategory,
		gate:     gate,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// Name returns the configured source name.
func (w *Wikipedia) Name() string { return w.name }

// Fetch returns one page of category members. next is the cmcontinue token
// for the following page, or "" when the category is exhausted.
func (w *Wikipedia) Fetch(ctx context.Context, cursor string) ([]RawRecord, string, error) {
	if !w.gate.Allow() {
		return nil, cursor, ErrSkipped
	}

	params := url.Values{
		"action":  {"query"},
		"list":    {"categorymembers"},
		"cmtitle": {w.category},
		"cmlimit": {fmt.Sprintf("%d", wikipediaPageSize)},
		"cmtype":  {"page"},
		"format":  {"json"},
	}
	if cursor != "" {
		params.Set("cmcontinue", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", w.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, cursor, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		w.gate.Failure()
		return nil, cursor, &UnavailableError{Source: w.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		w.gate.RateLimited()
		return nil, cursor, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		w.gate.Failure()
		return nil, cursor, &UnavailableError{Source: w.name, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var result struct {
		Continue struct {
			CMContinue string `json:"cmcontinue"`
		} `json:"continue"`
		Query struct {
			CategoryMembers []struct {
				PageID int    `json:"pageid"`
				Title  string `json:"title"`
			} `json:"categorymembers"`
		} `json:"query"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		w.gate.Failure()
		return nil, cursor, &UnavailableError{Source: w.name, Err: fmt.Errorf("decoding response: %w", err)}
	}

	w.gate.Success()

	fetchedAt := w.now()
	var records []RawRecord
	for _, m := range result.Query.CategoryMembers {
		if m.Title == "" {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"title":   m.Title,
			"page_id": m.PageID,
		})
		if err != nil {
			continue
		}
		records = append(records, RawRecord{
			Source:    w.name,
			Kind:      "event",
			URL:       "https://en.wikipedia.org/wiki/" + url.PathEscape(m.Title),
			FetchedAt: fetchedAt,
			Payload:   payload,
		})
	}

	return records, result.Continue.CMContinue, nil
}
