package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/owdb/wrestlebot/internal/breaker"
	"github.com/owdb/wrestlebot/internal/config"
	"github.com/owdb/wrestlebot/internal/ratelimit"
)

// userAgent identifies the bot on every outbound request.
const userAgent = "WrestleBot/2.0 (+https://wrestlingdb.org/about/bot)"

// ErrSkipped means the rate or circuit gate denied the fetch before any
// network contact. It is not a failure; the next cycle tries again.
var ErrSkipped = errors.New("fetch skipped: gate denied")

// ErrRateLimited means the server signaled a rate limit (HTTP 429). The
// limiter backs off, but the circuit breaker does not count it.
var ErrRateLimited = errors.New("rate limited by server")

// UnavailableError means a source could not be reached or answered with a
// server error. The breaker records it; retry happens on the next cycle.
type UnavailableError struct {
	Source string
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RawRecord is one unprocessed fetch result. It lives only in the
// in-memory pipeline between adapter and processor.
type RawRecord struct {
	Source    string
	Kind      string // entity kind hint: wrestler, event, article
	URL       string
	FetchedAt time.Time
	Payload   []byte // JSON, shape depends on the adapter
}

// Adapter fetches raw records from one external source.
//
// Fetch must be idempotent with respect to a cursor: a fresh call with the
// same cursor yields a consistent or superset result. Adapters consult
// their Gate before any network contact and never retry internally.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, cursor string) (records []RawRecord, next string, err error)
}

// Gate bundles the circuit breaker and rate limiter for one source.
// Adapters ask it before touching the network and report outcomes to it.
type Gate struct {
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
}

// NewGate creates a gate over a source's breaker and limiter.
func NewGate(b *breaker.Breaker, l *ratelimit.Limiter) *Gate {
	return &Gate{breaker: b, limiter: l}
}

// Allow reports whether a request may proceed. The breaker is checked
// first so a denied circuit does not consume a rate token.
func (g *Gate) Allow() bool {
	if !g.breaker.CanProceed() {
		return false
	}
	return g.limiter.TryAcquire()
}

// Success records a successful request on both the breaker and limiter.
func (g *Gate) Success() {
	g.breaker.RecordSuccess()
	g.limiter.RecordSuccess()
}

// Failure records a transport or server failure on the breaker.
func (g *Gate) Failure() {
	g.breaker.RecordFailure()
}

// RateLimited records a server-signaled rate limit on the limiter only.
func (g *Gate) RateLimited() {
	g.limiter.RecordRateLimited()
}

// New resolves a config kind to a concrete adapter. The kind set is closed;
// config validation rejects anything else before this point.
func New(cfg config.Source, gate *Gate) (Adapter, error) {
	switch cfg.Kind {
	case "wikipedia":
		return NewWikipedia(cfg, gate), nil
	case "rss":
		return NewRSS(cfg, gate), nil
	case "matchdb":
		return NewMatchDB(cfg, gate), nil
	}
	return nil, fmt.Errorf("unknown adapter kind %q", cfg.Kind)
}
