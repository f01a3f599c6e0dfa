package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/owdb/wrestlebot/internal/source"
)

// EntityDraft is a normalized candidate record ready for publishing.
type EntityDraft struct {
	Kind       string            `json:"kind"`
	Fields     map[string]string `json:"fields"`
	NaturalKey string            `json:"natural_key"`
	Source     string            `json:"source"`
	SourceURL  string            `json:"source_url"`
}

// relevanceKeywords gates article records: a title or body must mention at
// least one to survive processing.
var relevanceKeywords = []string{
	"wrestling", "wrestler", "wwe", "aew", "njpw", "tna", "roh", "wcw", "ecw",
	"smackdown", "wrestlemania", "championship", "title match", "pay-per-view",
	"promotion", "heel", "babyface",
}

// Processor turns raw records into entity drafts. It performs no I/O
// against the publish target; the only outbound call is the optional
// verifier, and its unavailability falls back to local validation.
type Processor struct {
	verifier Verifier
	now      func() time.Time
}

// New creates a processor. verifier may be nil.
func New(verifier Verifier) *Processor {
	return &Processor{verifier: verifier, now: time.Now}
}

// Process converts one raw record into zero or one draft. A nil draft with
// nil error means the record was filtered out.
func (p *Processor) Process(ctx context.Context, rec source.RawRecord) (*EntityDraft, error) {
	var draft *EntityDraft
	var err error

	switch rec.Kind {
	case "event":
		draft, err = p.processEvent(rec)
	case "article":
		draft, err = p.processArticle(rec)
	case "wrestler":
		draft, err = p.processWrestler(rec)
	default:
		return nil, fmt.Errorf("unknown record kind %q from %s", rec.Kind, rec.Source)
	}
	if err != nil || draft == nil {
		return nil, err
	}

	if p.verifier != nil {
		switch p.verifier.Verify(ctx, draft) {
		case VerdictAccepted:
			return draft, nil
		case VerdictRejected:
			log.Printf("verifier rejected %s draft %q from %s", draft.Kind, draft.NaturalKey, draft.Source)
			return nil, nil
		case VerdictUnavailable:
			// fall through to local validation
		}
	}

	if reason := p.validate(draft); reason != "" {
		log.Printf("dropping %s draft from %s: %s", draft.Kind, draft.Source, reason)
		return nil, nil
	}
	return draft, nil
}

func (p *Processor) processEvent(rec source.RawRecord) (*EntityDraft, error) {
	var payload struct {
		Title     string `json:"title"`
		Name      string `json:"name"`
		Date      string `json:"date"`
		Promotion string `json:"promotion"`
		Location  string `json:"location"`
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("parsing event payload from %s: %w", rec.Source, err)
	}

	name := payload.Name
	if name == "" {
		name = payload.Title
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	fields := map[string]string{
		"name": name,
		"slug": slugify(name),
	}
	if payload.Date != "" {
		fields["date"] = payload.Date
	}
	if payload.Promotion != "" {
		fields["promotion"] = payload.Promotion
	}
	if payload.Location != "" {
		fields["location"] = payload.Location
	}
	if year := extractYear(name + " " + payload.Date); year != "" {
		fields["year"] = year
	}

	key := slugify(name)
	if payload.Date != "" {
		key += "-" + slugify(payload.Date)
	}
	return &EntityDraft{
		Kind:       "event",
		Fields:     fields,
		NaturalKey: key,
		Source:     rec.Source,
		SourceURL:  rec.URL,
	}, nil
}

func (p *Processor) processArticle(rec source.RawRecord) (*EntityDraft, error) {
	var payload struct {
		Title     string `json:"title"`
		Link      string `json:"link"`
		Published string `json:"published"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("parsing article payload from %s: %w", rec.Source, err)
	}

	title := strings.TrimSpace(payload.Title)
	if title == "" {
		return nil, nil
	}
	if !isRelevant(title + " " + payload.Content) {
		log.Printf("filtered non-wrestling article from %s: %s", rec.Source, title)
		return nil, nil
	}

	fields := map[string]string{
		"title":    title,
		"slug":     slugify(title),
		"content":  strings.TrimSpace(payload.Content),
		"category": "news",
		"author":   "WrestleBot",
	}
	if payload.Published != "" {
		fields["published_date"] = payload.Published
	}

	return &EntityDraft{
		Kind:       "article",
		Fields:     fields,
		NaturalKey: slugify(title),
		Source:     rec.Source,
		SourceURL:  rec.URL,
	}, nil
}

func (p *Processor) processWrestler(rec source.RawRecord) (*EntityDraft, error) {
	var payload struct {
		Name      string `json:"name"`
		RealName  string `json:"real_name"`
		DebutYear int    `json:"debut_year"`
	}
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return nil, fmt.Errorf("parsing wrestler payload from %s: %w", rec.Source, err)
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		return nil, nil
	}

	fields := map[string]string{
		"name": name,
		"slug": slugify(name),
	}
	if payload.RealName != "" {
		fields["real_name"] = payload.RealName
	}
	if payload.DebutYear > 0 {
		fields["debut_year"] = strconv.Itoa(payload.DebutYear)
	}

	return &EntityDraft{
		Kind:       "wrestler",
		Fields:     fields,
		NaturalKey: slugify(name),
		Source:     rec.Source,
		SourceURL:  rec.URL,
	}, nil
}

// validate is the local fallback when no verifier answers: required fields
// present and years in a plausible range.
func (p *Processor) validate(draft *EntityDraft) string {
	switch draft.Kind {
	case "event", "wrestler":
		if draft.Fields["name"] == "" {
			return "missing name"
		}
	case "article":
		if draft.Fields["title"] == "" {
			return "missing title"
		}
	}
	if draft.NaturalKey == "" {
		return "missing natural key"
	}

	maxYear := p.now().Year() + 1
	for _, field := range []string{"year", "debut_year"} {
		v := draft.Fields[field]
		if v == "" {
			continue
		}
		year, err := strconv.Atoi(v)
		if err != nil || year < 1900 || year > maxYear {
			return fmt.Sprintf("implausible %s %q", field, v)
		}
	}
	return ""
}

func isRelevant(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range relevanceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
	yearPattern  = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
)

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonSlugChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func extractYear(s string) string {
	return yearPattern.FindString(s)
}
