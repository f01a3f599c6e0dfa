package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultPerMinute is the per-minute request cap.
	DefaultPerMinute = 10
	// DefaultPerHour is the per-hour request cap.
	DefaultPerHour = 100

	// maxMultiplier caps the backoff multiplier after repeated 429s.
	maxMultiplier = 10.0
	// decayStep is how much the multiplier recovers per successful request.
	// Recovery is additive while backoff is multiplicative, so recovery
	// stays cautious after a burst of rate-limit errors.
	decayStep = 0.5
)

// Limiter enforces a per-source request budget over two fixed windows
// (minute and hour) plus an adaptive minimum interval between requests.
type Limiter struct {
	perMinute int
	perHour   int
	now       func() time.Time

	mu          sync.Mutex
	minuteStart time.Time
	minuteUsed  int
	hourStart   time.Time
	hourUsed    int
	multiplier  float64
	lastRequest time.Time
}

// Snapshot is a point-in-time view of a limiter for the status surface.
type Snapshot struct {
	PerMinute  int     `json:"per_minute"`
	PerHour    int     `json:"per_hour"`
	MinuteUsed int     `json:"minute_used"`
	HourUsed   int     `json:"hour_used"`
	Multiplier float64 `json:"backoff_multiplier"`
}

// New creates a limiter. Zero or negative caps fall back to defaults.
func New(perMinute, perHour int) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perHour <= 0 {
		perHour = DefaultPerHour
	}
	return &Limiter{
		perMinute:  perMinute,
		perHour:    perHour,
		multiplier: 1.0,
		now:        time.Now,
	}
}

// TryAcquire consumes one token if both window budgets have room and the
// adaptive minimum interval has elapsed. It never blocks.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.roll(now)

	if l.minuteUsed >= l.perMinute || l.hourUsed >= l.perHour {
		return false
	}

	// Backed-off sources slow down below their configured rate. At
	// multiplier 1.0 the window caps alone govern admission.
	if l.multiplier > 1.0 {
		interval := time.Duration(float64(time.Minute) / float64(l.perMinute) * l.multiplier)
		if !l.lastRequest.IsZero() && now.Sub(l.lastRequest) < interval {
			return false
		}
	}

	l.minuteUsed++
	l.hourUsed++
	l.lastRequest = now
	return true
}

// RecordRateLimited doubles the backoff multiplier in response to a
// server-signaled rate-limit error, capped at 10x.
func (l *Limiter) RecordRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.multiplier *= 2
	if l.multiplier > maxMultiplier {
		l.multiplier = maxMultiplier
	}
}

// RecordSuccess decays the backoff multiplier one step toward 1.0.
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.multiplier -= decayStep
	if l.multiplier < 1.0 {
		l.multiplier = 1.0
	}
}

// roll resets any window whose boundary has passed. Caller holds l.mu.
func (l *Limiter) roll(now time.Time) {
	if l.minuteStart.IsZero() || now.Sub(l.minuteStart) >= time.Minute {
		l.minuteStart = now.Truncate(time.Minute)
		l.minuteUsed = 0
	}
	if l.hourStart.IsZero() || now.Sub(l.hourStart) >= time.Hour {
		l.hourStart = now.Truncate(time.Hour)
		l.hourUsed = 0
	}
}

// Snapshot returns the limiter's current budget for reporting.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll(l.now())
	return Snapshot{
		PerMinute:  l.perMinute,
		PerHour:    l.perHour,
		MinuteUsed: l.minuteUsed,
		HourUsed:   l.hourUsed,
		Multiplier: l.multiplier,
	}
}

// SetClock overrides the limiter's time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Registry owns at most one limiter per source name.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Get returns the limiter for a source, creating it with the given caps on
// first use. Later calls ignore the cap arguments.
func (r *Registry) Get(source string, perMinute, perHour int) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[source]
	if !ok {
		l = New(perMinute, perHour)
		r.limiters[source] = l
	}
	return l
}

// Snapshots returns the budget of every registered limiter keyed by source.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Snapshot()
	}
	return out
}
