package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/owdb/wrestlebot/internal/breaker"
	"github.com/owdb/wrestlebot/internal/config"
	"github.com/owdb/wrestlebot/internal/process"
	"github.com/owdb/wrestlebot/internal/publish"
	"github.com/owdb/wrestlebot/internal/ratelimit"
	"github.com/owdb/wrestlebot/internal/source"
	"github.com/owdb/wrestlebot/internal/store"
)

// DefaultCycleInterval is the pause between collection cycles in service
// mode.
const DefaultCycleInterval = 15 * time.Minute

// CycleStats summarizes one collection cycle.
type CycleStats struct {
	Fetched   int `json:"fetched"`
	Published int `json:"published"`
	Filtered  int `json:"filtered"`
	Queued    int `json:"queued"`
	Replayed  int `json:"replayed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func (s CycleStats) add(o CycleStats) CycleStats {
	s.Fetched += o.Fetched
	s.Published += o.Published
	s.Filtered += o.Filtered
	s.Queued += o.Queued
	s.Replayed += o.Replayed
	s.Skipped += o.Skipped
	s.Errors += o.Errors
	return s
}

// Orchestrator drives the discover-process-publish pipeline: per-source
// fetch goroutines bounded by a semaphore, a small publish worker pool,
// and a single-threaded retry replay at the start of each cycle.
type Orchestrator struct {
	cfg       *config.Config
	db        *store.Store
	processor *process.Processor
	publisher *publish.Publisher
	breakers  *breaker.Registry
	limiters  *ratelimit.Registry
	adapters  []source.Adapter
	now       func() time.Time

	mu        sync.Mutex
	startedAt time.Time
	cycles    int64
	lastCycle time.Time
	lastStats CycleStats
}

// New builds an orchestrator for every enabled source in the config.
func New(cfg *config.Config, db *store.Store, processor *process.Processor, publisher *publish.Publisher) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:       cfg,
		db:        db,
		processor: processor,
		publisher: publisher,
		breakers:  breaker.NewRegistry(),
		limiters:  ratelimit.NewRegistry(),
		now:       time.Now,
		startedAt: time.Now(),
	}

	for _, sc := range cfg.EnabledSources() {
		b := o.breakers.Get(sc.Name, sc.Breaker.FailureThreshold,
			time.Duration(sc.Breaker.OpenSeconds)*time.Second)
		l := o.limiters.Get(sc.Name, sc.Limits.PerMinute, sc.Limits.PerHour)
		adapter, err := source.New(sc, source.NewGate(b, l))
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		o.adapters = append(o.adapters, adapter)
	}
	return o, nil
}

// Breakers exposes the breaker registry for the status surface.
func (o *Orchestrator) Breakers() *breaker.Registry { return o.breakers }

// Limiters exposes the limiter registry for the status surface.
func (o *Orchestrator) Limiters() *ratelimit.Registry { return o.limiters }

// Run executes cycles until the context is canceled. One cycle's failure
// never stops the loop.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCycleInterval
	}

	for {
		stats := o.Cycle(ctx)
		log.Printf("cycle complete: fetched=%d published=%d filtered=%d queued=%d replayed=%d skipped=%d errors=%d",
			stats.Fetched, stats.Published, stats.Filtered, stats.Queued, stats.Replayed, stats.Skipped, stats.Errors)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Cycle runs one full pass: replay due retry tasks, then fetch, process,
// and publish from every enabled source. Sources run concurrently up to
// the configured cap; failures and panics are isolated per source.
func (o *Orchestrator) Cycle(ctx context.Context) CycleStats {
	var total CycleStats
	total.Replayed = o.replayDue(ctx)

	drafts := make(chan *process.EntityDraft)
	var pubStats CycleStats
	var pubMu sync.Mutex
	var pubWG sync.WaitGroup
	for i := 0; i < o.cfg.Workers.PublishWorkers; i++ {
		pubWG.Add(1)
		go func() {
			defer pubWG.Done()
			for draft := range drafts {
				s := o.publishDraft(ctx, draft)
				pubMu.Lock()
				pubStats = pubStats.add(s)
				pubMu.Unlock()
			}
		}()
	}

	sem := make(chan struct{}, o.cfg.Workers.MaxConcurrentSources)
	var statsMu sync.Mutex
	var wg sync.WaitGroup
	for _, adapter := range o.adapters {
		wg.Add(1)
		go func(a source.Adapter) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			s := o.collectSource(ctx, a, drafts)
			statsMu.Lock()
			total = total.add(s)
			statsMu.Unlock()
		}(adapter)
	}
	wg.Wait()
	close(drafts)
	pubWG.Wait()
	total = total.add(pubStats)

	o.mu.Lock()
	o.cycles++
	o.lastCycle = o.now()
	o.lastStats = total
	o.mu.Unlock()
	return total
}

// collectSource fetches one source and streams its drafts to the publish
// workers. Records are processed in fetch order. A panic in an adapter is
// contained here.
func (o *Orchestrator) collectSource(ctx context.Context, a source.Adapter, drafts chan<- *process.EntityDraft) (stats CycleStats) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("source %s panicked: %v", a.Name(), r)
			stats.Errors++
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout())
	defer cancel()

	cursor, err := o.db.GetCursor(a.Name())
	if err != nil {
		log.Printf("source %s: reading cursor: %v", a.Name(), err)
		stats.Errors++
		return stats
	}

	records, next, err := a.Fetch(ctx, cursor)
	switch {
	case err == nil:
	case errors.Is(err, source.ErrSkipped):
		stats.Skipped++
		return stats
	case errors.Is(err, source.ErrRateLimited):
		log.Printf("source %s rate limited, backing off", a.Name())
		stats.Skipped++
		return stats
	default:
		log.Printf("source %s fetch failed: %v", a.Name(), err)
		stats.Errors++
		return stats
	}

	stats.Fetched = len(records)
	for _, rec := range records {
		draft, err := o.processor.Process(ctx, rec)
		if err != nil {
			log.Printf("source %s: processing record: %v", a.Name(), err)
			stats.Errors++
			continue
		}
		if draft == nil {
			stats.Filtered++
			continue
		}
		select {
		case drafts <- draft:
		case <-ctx.Done():
			return stats
		}
	}

	// The cursor advances only after a successful fetch, so a failed cycle
	// re-fetches the same window next time.
	if next != cursor {
		if err := o.db.SetCursor(a.Name(), next); err != nil {
			log.Printf("source %s: saving cursor: %v", a.Name(), err)
			stats.Errors++
		}
	}
	return stats
}

func (o *Orchestrator) publishDraft(ctx context.Context, draft *process.EntityDraft) (stats CycleStats) {
	_, err := o.publisher.Publish(ctx, draft)
	switch {
	case err == nil:
		stats.Published++
	default:
		var transient *publish.TransientError
		if errors.As(err, &transient) {
			stats.Queued++
		} else {
			stats.Errors++
		}
	}
	return stats
}

// replayDue drains the due portion of the retry queue, single-threaded so
// replays never compete with themselves.
func (o *Orchestrator) replayDue(ctx context.Context) int {
	due, err := o.db.DequeueDue(o.now())
	if err != nil {
		log.Printf("reading retry queue: %v", err)
		return 0
	}

	replayed := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		if err := o.publisher.Replay(ctx, task); err == nil {
			replayed++
		}
	}
	return replayed
}

// Report is a point-in-time view of the whole pipeline for the status
// surface and the status CLI command.
type Report struct {
	Uptime     string                        `json:"uptime"`
	Cycles     int64                         `json:"cycles"`
	LastCycle  time.Time                     `json:"last_cycle,omitzero"`
	LastStats  CycleStats                    `json:"last_cycle_stats"`
	Queue      store.Counts                  `json:"retry_queue"`
	Breakers   map[string]breaker.Snapshot   `json:"circuit_breakers"`
	RateLimits map[string]ratelimit.Snapshot `json:"rate_limits"`
}

// Report gathers current pipeline state.
func (o *Orchestrator) Report() (*Report, error) {
	counts, err := o.db.TaskCounts(o.now())
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	o.mu.Lock()
	r := &Report{
		Uptime:    o.now().Sub(o.startedAt).Round(time.Second).String(),
		Cycles:    o.cycles,
		LastCycle: o.lastCycle,
		LastStats: o.lastStats,
	}
	o.mu.Unlock()

	r.Queue = *counts
	r.Breakers = o.breakers.Snapshots()
	r.RateLimits = o.limiters.Snapshots()
	return r, nil
}
