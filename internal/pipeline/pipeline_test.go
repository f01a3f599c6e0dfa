package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/owdb/wrestlebot/internal/config"
	"github.com/owdb/wrestlebot/internal/process"
	"github.com/owdb/wrestlebot/internal/publish"
	"github.com/owdb/wrestlebot/internal/store"
)

// fakeAPI is a collaborator stand-in that records published entities and
// can be switched into failure mode.
type fakeAPI struct {
	mu       sync.Mutex
	failWith int // HTTP status to fail with, 0 means succeed
	received []map[string]string
	nextID   int64
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.failWith != 0 {
			http.Error(w, "unavailable", f.failWith)
			return
		}

		var fields map[string]string
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.received = append(f.received, fields)
		f.nextID++
		fmt.Fprintf(w, `{"id": %d, "created": true}`, f.nextID)
	})
}

func (f *fakeAPI) setFailure(status int) {
	f.mu.Lock()
	f.failWith = status
	f.mu.Unlock()
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

// wikiServer serves a one-page MediaWiki category listing.
func wikiServer(t *testing.T, titles ...string) *httptest.Server {
	t.Helper()
	type member struct {
		PageID int    `json:"pageid"`
		Title  string `json:"title"`
	}
	members := make([]member, len(titles))
	for i, title := range titles {
		members[i] = member{PageID: i + 1, Title: title}
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"query": map[string]any{"categorymembers": members},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(sources ...config.Source) *config.Config {
	return &config.Config{
		Sources: sources,
		Workers: config.Workers{
			MaxConcurrentSources: 5,
			PublishWorkers:       2,
			SourceTimeoutSeconds: 300,
		},
		Retry: config.Retry{DelaySeconds: []int{60, 300, 900, 3600}},
	}
}

func wikiSource(name, url string) config.Source {
	return config.Source{
		Name:    name,
		Kind:    "wikipedia",
		Enabled: true,
		URL:     url,
		Limits:  config.Limits{PerMinute: 100, PerHour: 1000},
	}
}

func buildPipeline(t *testing.T, cfg *config.Config, apiURL string) (*Orchestrator, *store.Store, *publish.Publisher) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	pub := publish.NewPublisher(publish.NewClient(apiURL, "test-token"), db, cfg.RetrySchedule())
	orch, err := New(cfg, db, process.New(nil), pub)
	if err != nil {
		t.Fatal(err)
	}
	return orch, db, pub
}

func TestCycleCollectsAndPublishes(t *testing.T) {
	wiki := wikiServer(t, "WrestleMania 41", "SummerSlam (2025)")
	api := &fakeAPI{}
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	cfg := testConfig(wikiSource("wikipedia", wiki.URL))
	orch, db, _ := buildPipeline(t, cfg, apiServer.URL)

	stats := orch.Cycle(context.Background())
	if stats.Fetched != 2 || stats.Published != 2 {
		t.Errorf("stats = %+v, want 2 fetched and published", stats)
	}
	if stats.Errors != 0 || stats.Queued != 0 {
		t.Errorf("stats = %+v, want no errors or queued tasks", stats)
	}
	if api.count() != 2 {
		t.Errorf("collaborator received %d entities, want 2", api.count())
	}

	counts, err := db.TaskCounts(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 {
		t.Errorf("retry queue pending = %d, want 0", counts.Pending)
	}
}

func TestCycleQueuesTransientFailuresThenReplays(t *testing.T) {
	wiki := wikiServer(t, "WrestleMania 41")
	api := &fakeAPI{}
	api.setFailure(http.StatusInternalServerError)
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	cfg := testConfig(wikiSource("wikipedia", wiki.URL))
	orch, db, pub := buildPipeline(t, cfg, apiServer.URL)

	clock := time.Now()
	orch.now = func() time.Time { return clock }
	pub.SetClock(func() time.Time { return clock })

	stats := orch.Cycle(context.Background())
	if stats.Queued != 1 {
		t.Fatalf("stats = %+v, want 1 queued", stats)
	}

	// Collaborator recovers; once the first delay passes the next cycle
	// replays the task.
	api.setFailure(0)
	clock = clock.Add(61 * time.Second)

	stats = orch.Cycle(context.Background())
	if stats.Replayed != 1 {
		t.Errorf("stats = %+v, want 1 replayed", stats)
	}

	counts, err := db.TaskCounts(clock)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 || counts.Dead != 0 {
		t.Errorf("counts = %+v, want drained queue", counts)
	}
	// One replayed task plus the second cycle's fresh fetch. The
	// collaborator dedupes by natural key, so the repeat is harmless.
	if api.count() != 2 {
		t.Errorf("collaborator received %d entities, want 2", api.count())
	}
}

func TestFetchFailureDoesNotEnterRetryQueue(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer broken.Close()
	api := &fakeAPI{}
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	cfg := testConfig(wikiSource("wikipedia", broken.URL))
	orch, db, _ := buildPipeline(t, cfg, apiServer.URL)

	stats := orch.Cycle(context.Background())
	if stats.Errors != 1 {
		t.Errorf("stats = %+v, want 1 error", stats)
	}

	// Fetch failures feed the circuit breaker, never the retry queue.
	counts, err := db.TaskCounts(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 {
		t.Errorf("pending = %d, want 0", counts.Pending)
	}
	snaps := orch.Breakers().Snapshots()
	if snaps["wikipedia"].Failures != 1 {
		t.Errorf("breaker failures = %d, want 1", snaps["wikipedia"].Failures)
	}
}

func TestSourceFailureIsolatedFromOthers(t *testing.T) {
	healthy := wikiServer(t, "WrestleMania 41")
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer broken.Close()
	api := &fakeAPI{}
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	cfg := testConfig(
		wikiSource("healthy", healthy.URL),
		wikiSource("broken", broken.URL),
	)
	orch, _, _ := buildPipeline(t, cfg, apiServer.URL)

	stats := orch.Cycle(context.Background())
	if stats.Published != 1 {
		t.Errorf("stats = %+v, want the healthy source still published", stats)
	}
	if stats.Errors != 1 {
		t.Errorf("stats = %+v, want 1 error from the broken source", stats)
	}
}

func TestOpenCircuitSkipsSourceForWholeCycle(t *testing.T) {
	calls := 0
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer broken.Close()
	api := &fakeAPI{}
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	src := wikiSource("flaky", broken.URL)
	src.Breaker = config.Breaker{FailureThreshold: 2, OpenSeconds: 300}
	cfg := testConfig(src)
	orch, _, _ := buildPipeline(t, cfg, apiServer.URL)

	// Two failing cycles open the circuit.
	orch.Cycle(context.Background())
	orch.Cycle(context.Background())
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	stats := orch.Cycle(context.Background())
	if stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 1 skipped", stats)
	}
	if calls != 2 {
		t.Errorf("calls = %d, open circuit should prevent network contact", calls)
	}
}

func TestSlowSourceTimesOutWithoutBlockingOthers(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()
	fast := wikiServer(t, "WrestleMania 41")
	api := &fakeAPI{}
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	cfg := testConfig(
		wikiSource("slow", slow.URL),
		wikiSource("fast", fast.URL),
	)
	cfg.Workers.SourceTimeoutSeconds = 1
	orch, _, _ := buildPipeline(t, cfg, apiServer.URL)

	start := time.Now()
	stats := orch.Cycle(context.Background())
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cycle took %v, timeout did not bound the slow source", elapsed)
	}
	if stats.Published != 1 {
		t.Errorf("stats = %+v, want the fast source published", stats)
	}
	if stats.Errors != 1 {
		t.Errorf("stats = %+v, want 1 timeout error", stats)
	}
	snaps := orch.Breakers().Snapshots()
	if snaps["slow"].Failures != 1 {
		t.Errorf("slow source breaker failures = %d, want 1", snaps["slow"].Failures)
	}
}

func TestCursorPersistsAcrossCycles(t *testing.T) {
	var cursors []string
	wiki := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursors = append(cursors, r.URL.Query().Get("cmcontinue"))
		json.NewEncoder(w).Encode(map[string]any{
			"continue": map[string]string{"cmcontinue": fmt.Sprintf("page|%d", len(cursors))},
			"query": map[string]any{"categorymembers": []map[string]any{
				{"pageid": 1, "title": "Some Event"},
			}},
		})
	}))
	defer wiki.Close()
	api := &fakeAPI{}
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	cfg := testConfig(wikiSource("wikipedia", wiki.URL))
	orch, db, _ := buildPipeline(t, cfg, apiServer.URL)

	orch.Cycle(context.Background())
	orch.Cycle(context.Background())

	if len(cursors) != 2 || cursors[0] != "" || cursors[1] != "page|1" {
		t.Errorf("cursors sent = %v, want resume from saved cursor", cursors)
	}
	saved, err := db.GetCursor("wikipedia")
	if err != nil {
		t.Fatal(err)
	}
	if saved != "page|2" {
		t.Errorf("saved cursor = %q, want page|2", saved)
	}
}

func TestReportAggregatesState(t *testing.T) {
	wiki := wikiServer(t, "WrestleMania 41")
	api := &fakeAPI{}
	apiServer := httptest.NewServer(api.handler())
	defer apiServer.Close()

	cfg := testConfig(wikiSource("wikipedia", wiki.URL))
	orch, _, _ := buildPipeline(t, cfg, apiServer.URL)

	orch.Cycle(context.Background())

	report, err := orch.Report()
	if err != nil {
		t.Fatal(err)
	}
	if report.Cycles != 1 {
		t.Errorf("cycles = %d, want 1", report.Cycles)
	}
	if report.LastStats.Published != 1 {
		t.Errorf("last stats = %+v", report.LastStats)
	}
	if _, ok := report.Breakers["wikipedia"]; !ok {
		t.Error("report missing breaker snapshot")
	}
	if _, ok := report.RateLimits["wikipedia"]; !ok {
		t.Error("report missing rate limit snapshot")
	}
}
