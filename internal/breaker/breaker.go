package breaker

import (
	"sync"
	"time"
)

// State is the current state of a circuit breaker.
type State int

const (
	// StateClosed means normal operation, requests are allowed.
	StateClosed State = iota
	// StateOpen means too many failures, requests are blocked.
	StateOpen
	// StateHalfOpen means the breaker is testing whether the source recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

const (
	// DefaultFailureThreshold is the consecutive failures needed to open.
	DefaultFailureThreshold = 5
	// DefaultOpenDuration is how long the breaker stays open before probing.
	DefaultOpenDuration = 300 * time.Second
	// DefaultSuccessThreshold is the half-open successes needed to close.
	DefaultSuccessThreshold = 2
)

// Breaker is a per-source circuit breaker. All transitions happen through
// RecordSuccess, RecordFailure, and CanProceed.
type Breaker struct {
	failureThreshold int
	successThreshold int
	openDuration     time.Duration
	now              func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// Snapshot is a point-in-time view of a breaker for the status surface.
type Snapshot struct {
	State     string    `json:"state"`
	Failures  int       `json:"consecutive_failures"`
	Successes int       `json:"consecutive_successes"`
	OpenedAt  time.Time `json:"opened_at,omitzero"`
}

// New creates a breaker. Zero or negative parameters fall back to defaults.
func New(failureThreshold int, openDuration time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: DefaultSuccessThreshold,
		openDuration:     openDuration,
		now:              time.Now,
	}
}

// CanProceed reports whether a request may be made. In the open state it
// returns true only once the open duration has elapsed, transitioning to
// half-open as a side effect.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful call. In half-open, enough consecutive
// successes close the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed call. Reaching the failure threshold opens
// the breaker; any failure in half-open starts a fresh open period.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.failures++
		b.state = StateOpen
		b.openedAt = b.now()
		b.successes = 0
	case StateOpen:
		b.failures++
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:     b.state.String(),
		Failures:  b.failures,
		Successes: b.successes,
		OpenedAt:  b.openedAt,
	}
}

// SetClock overrides the breaker's time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Registry owns at most one breaker per source name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for a source, creating it with the given policy
// on first use. Later calls ignore the policy arguments.
func (r *Registry) Get(source string, failureThreshold int, openDuration time.Duration) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[source]
	if !ok {
		b = New(failureThreshold, openDuration)
		r.breakers[source] = b
	}
	return b
}

// Snapshots returns the state of every registered breaker keyed by source.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
