package source

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/mmcdole/gofeed"

	"github.com/owdb/wrestlebot/internal/config"
)

const maxPerFeed = 20

// RSS fetches articles from an RSS/Atom feed. The cursor is the newest
// item timestamp seen so far (RFC3339); only strictly newer items are
// returned, so refetching with the same cursor is idempotent.
type RSS struct {
	name         string
	feedURL      string
	fetchContent bool
	gate         *Gate
	parser       *gofeed.Parser
	client       *http.Client
	now          func() time.Time
}

// NewRSS creates an RSS adapter from a source config.
func NewRSS(cfg config.Source, gate *Gate) *RSS {
	return &RSS{
		name:         cfg.Name,
		feedURL:      cfg.URL,
		fetchContent: cfg.FetchContent,
		gate:         gate,
		parser:       gofeed.NewParser(),
		client:       &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

// Name returns the configured source name.
func (r *RSS) Name() string { return r.name }

// Fetch parses the feed and returns items newer than the cursor, oldest
// first. next is the newest item timestamp, or the unchanged cursor when
// nothing new appeared.
func (r *RSS) Fetch(ctx context.Context, cursor string) ([]RawRecord, string, error) {
	if !r.gate.Allow() {
		return nil, cursor, ErrSkipped
	}

	var since time.Time
	if cursor != "" {
		parsed, err := time.Parse(time.RFC3339, cursor)
		if err == nil {
			since = parsed
		}
	}

	feed, err := r.parser.ParseURLWithContext(r.feedURL, ctx)
	if err != nil {
		if isRateLimitError(err) {
			r.gate.RateLimited()
			return nil, cursor, ErrRateLimited
		}
		r.gate.Failure()
		return nil, cursor, &UnavailableError{Source: r.name, Err: err}
	}

	r.gate.Success()

	fetchedAt := r.now()
	newest := since
	var records []RawRecord
	for _, item := range feed.Items {
		if len(records) >= maxPerFeed {
			break
		}

		itemURL := item.Link
		if itemURL == "" {
			itemURL = item.GUID
		}
		title := strings.TrimSpace(item.Title)
		if itemURL == "" || title == "" {
			continue
		}

		published := itemPublished(item)
		if published.IsZero() {
			published = fetchedAt
		}
		if !since.IsZero() && !published.After(since) {
			continue
		}
		if published.After(newest) {
			newest = published
		}

		content := item.Content
		if content == "" {
			content = item.Description
		}
		if r.fetchContent {
			if full := r.fetchFullContent(ctx, itemURL); full != "" {
				content = full
			}
		}

		payload, err := json.Marshal(map[string]any{
			"title":     title,
			"link":      itemURL,
			"published": published.UTC().Format(time.RFC3339),
			"content":   content,
		})
		if err != nil {
			continue
		}
		records = append(records, RawRecord{
			Source:    r.name,
			Kind:      "article",
			URL:       itemURL,
			FetchedAt: fetchedAt,
			Payload:   payload,
		})
	}

	// Oldest first so publish order within the source follows item order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	next := cursor
	if !newest.IsZero() {
		next = newest.UTC().Format(time.RFC3339)
	}
	return records, next, nil
}

// fetchFullContent retrieves the article page and extracts readable text.
// Failures degrade to the feed-provided summary rather than failing the fetch.
func (r *RSS) fetchFullContent(ctx context.Context, articleURL string) string {
	req, err := http.NewRequestWithContext(ctx, "GET", articleURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return ""
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}

	parsedURL, _ := url.Parse(articleURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		log.Printf("readability extraction failed for %s: %v", articleURL, err)
		return ""
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) < 100 {
		return ""
	}
	return text
}

func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(strings.ToLower(s), "too many requests")
}
