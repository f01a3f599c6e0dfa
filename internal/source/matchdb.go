package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/owdb/wrestlebot/internal/config"
)

// MatchDB scrapes event cards from a paginated ProFightDB-style listing.
// The cursor is the page number; a full page advances it, a short page
// leaves it in place so the tail is re-polled for new cards.
type MatchDB struct {
	name    string
	baseURL string
	gate    *Gate
	client  *http.Client
	now     func() time.Time
}

const matchDBPageSize = 25

// NewMatchDB creates a match-database adapter from a source config.
func NewMatchDB(cfg config.Source, gate *Gate) *MatchDB {
	return &MatchDB{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		gate:    gate,
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
}

// Name returns the configured source name.
func (m *MatchDB) Name() string { return m.name }

// Fetch scrapes one listing page of event cards.
func (m *MatchDB) Fetch(ctx context.Context, cursor string) ([]RawRecord, string, error) {
	if !m.gate.Allow() {
		return nil, cursor, ErrSkipped
	}

	page := 1
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n > 0 {
			page = n
		}
	}

	pageURL := fmt.Sprintf("%s?page=%d", m.baseURL, page)
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return nil, cursor, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		m.gate.Failure()
		return nil, cursor, &UnavailableError{Source: m.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		m.gate.RateLimited()
		return nil, cursor, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		m.gate.Failure()
		return nil, cursor, &UnavailableError{Source: m.name, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		m.gate.Failure()
		return nil, cursor, &UnavailableError{Source: m.name, Err: fmt.Errorf("parsing HTML: %w", err)}
	}

	m.gate.Success()

	fetchedAt := m.now()
	var records []RawRecord
	doc.Find("table.table tr").Each(func(i int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 4 {
			return // header or malformed row
		}

		date := strings.TrimSpace(cells.Eq(0).Text())
		promotion := strings.TrimSpace(cells.Eq(1).Text())
		nameCell := cells.Eq(2)
		eventName := strings.TrimSpace(nameCell.Text())
		location := strings.TrimSpace(cells.Eq(3).Text())
		if eventName == "" || date == "" {
			return
		}

		eventURL := ""
		if href, ok := nameCell.Find("a").Attr("href"); ok {
			eventURL = m.resolveURL(href)
		}

		payload, err := json.Marshal(map[string]any{
			"name":      eventName,
			"date":      date,
			"promotion": promotion,
			"location":  location,
			"url":       eventURL,
		})
		if err != nil {
			return
		}
		records = append(records, RawRecord{
			Source:    m.name,
			Kind:      "event",
			URL:       eventURL,
			FetchedAt: fetchedAt,
			Payload:   payload,
		})
	})

	next := cursor
	if len(records) >= matchDBPageSize {
		next = strconv.Itoa(page + 1)
	} else if cursor == "" {
		next = strconv.Itoa(page)
	}
	return records, next, nil
}

func (m *MatchDB) resolveURL(href string) string {
	base, err := url.Parse(m.baseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
