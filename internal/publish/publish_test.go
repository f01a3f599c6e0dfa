package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/owdb/wrestlebot/internal/process"
	"github.com/owdb/wrestlebot/internal/store"
)

var testSchedule = []time.Duration{
	60 * time.Second, 300 * time.Second, 900 * time.Second, 3600 * time.Second,
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDraft() *process.EntityDraft {
	return &process.EntityDraft{
		Kind:       "event",
		Fields:     map[string]string{"name": "SummerSlam 2025", "slug": "summerslam-2025"},
		NaturalKey: "summerslam-2025",
		Source:     "wikipedia",
		SourceURL:  "https://en.wikipedia.org/wiki/SummerSlam_(2025)",
	}
}

func TestPublishSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/entities/event" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"id": 42, "created": true}`))
	}))
	defer server.Close()

	pub := NewPublisher(NewClient(server.URL, "test-token"), newTestStore(t), testSchedule)

	ack, err := pub.Publish(context.Background(), testDraft())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ack.ID != 42 || !ack.Created {
		t.Errorf("ack = %+v, want id 42 created", ack)
	}
}

func TestPublishTransientFailureQueuesTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database down", http.StatusInternalServerError)
	}))
	defer server.Close()

	db := newTestStore(t)
	pub := NewPublisher(NewClient(server.URL, "t"), db, testSchedule)
	pub.SetClock(func() time.Time { return time.Unix(1000, 0) })

	_, err := pub.Publish(context.Background(), testDraft())
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("want TransientError, got %v", err)
	}

	tasks, err := db.PendingTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("pending tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Kind != "publish" || tasks[0].Attempts != 1 {
		t.Errorf("task = %+v", tasks[0])
	}
	wantDue := time.Unix(1000, 0).Add(testSchedule[0])
	if !tasks[0].NextRetryAt.Equal(wantDue) {
		t.Errorf("next_retry_at = %v, want %v", tasks[0].NextRetryAt, wantDue)
	}
}

func TestPublishTerminalFailureNotQueued(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "missing required field"}`, http.StatusBadRequest)
	}))
	defer server.Close()

	db := newTestStore(t)
	pub := NewPublisher(NewClient(server.URL, "t"), db, testSchedule)

	_, err := pub.Publish(context.Background(), testDraft())
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("want TerminalError, got %v", err)
	}

	tasks, err := db.PendingTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("pending tasks = %d, want 0", len(tasks))
	}
}

func TestPublishRateLimitedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	db := newTestStore(t)
	pub := NewPublisher(NewClient(server.URL, "t"), db, testSchedule)

	_, err := pub.Publish(context.Background(), testDraft())
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("want TransientError, got %v", err)
	}
	if !transient.RateLimited {
		t.Error("RateLimited not set for 429")
	}
	tasks, _ := db.PendingTasks()
	if len(tasks) != 1 {
		t.Errorf("pending tasks = %d, want 1", len(tasks))
	}
}

func TestReplaySuccessAcks(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id": 7, "created": false}`))
	}))
	defer server.Close()

	db := newTestStore(t)
	pub := NewPublisher(NewClient(server.URL, "t"), db, testSchedule)

	clock := time.Unix(1000, 0)
	pub.SetClock(func() time.Time { return clock })

	if _, err := pub.Publish(context.Background(), testDraft()); err == nil {
		t.Fatal("first publish should fail")
	}

	clock = clock.Add(testSchedule[0] + time.Second)
	due, err := db.DequeueDue(clock)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("due tasks = %d, want 1", len(due))
	}

	if err := pub.Replay(context.Background(), due[0]); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	counts, err := db.TaskCounts(clock)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Pending != 0 || counts.Dead != 0 {
		t.Errorf("counts = %+v, want empty queue", counts)
	}
}

func TestReplayExhaustionDeadLetters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))
	defer server.Close()

	db := newTestStore(t)
	pub := NewPublisher(NewClient(server.URL, "t"), db, testSchedule)

	clock := time.Unix(1000, 0)
	pub.SetClock(func() time.Time { return clock })

	if _, err := pub.Publish(context.Background(), testDraft()); err == nil {
		t.Fatal("publish should fail")
	}

	// Walk the full schedule; every replay fails.
	for i := 0; i < len(testSchedule); i++ {
		clock = clock.Add(testSchedule[len(testSchedule)-1] + time.Second)
		due, err := db.DequeueDue(clock)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 1 {
			t.Fatalf("round %d: due tasks = %d, want 1", i, len(due))
		}
		if err := pub.Replay(context.Background(), due[0]); err == nil {
			t.Fatalf("round %d: replay should fail", i)
		}
	}

	counts, err := db.TaskCounts(clock)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Dead != 1 || counts.Pending != 0 {
		t.Errorf("counts = %+v, want one dead task", counts)
	}
}

func TestReplayTerminalFailureDeadLettersImmediately(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.Error(w, "validation failed", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	db := newTestStore(t)
	pub := NewPublisher(NewClient(server.URL, "t"), db, testSchedule)

	clock := time.Unix(1000, 0)
	pub.SetClock(func() time.Time { return clock })

	if _, err := pub.Publish(context.Background(), testDraft()); err == nil {
		t.Fatal("publish should fail")
	}

	clock = clock.Add(testSchedule[0] + time.Second)
	due, _ := db.DequeueDue(clock)
	if len(due) != 1 {
		t.Fatalf("due tasks = %d, want 1", len(due))
	}
	if err := pub.Replay(context.Background(), due[0]); err == nil {
		t.Fatal("replay should fail")
	}

	counts, _ := db.TaskCounts(clock)
	if counts.Dead != 1 {
		t.Errorf("counts = %+v, want one dead task after single terminal replay", counts)
	}
	if calls != 2 {
		t.Errorf("server calls = %d, want 2", calls)
	}
}

func TestPublishSameNaturalKeyUpserts(t *testing.T) {
	entities := make(map[string]int64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]string
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := fields["slug"]
		if id, ok := entities[key]; ok {
			fmt.Fprintf(w, `{"id": %d, "created": false}`, id)
			return
		}
		id := int64(len(entities) + 1)
		entities[key] = id
		fmt.Fprintf(w, `{"id": %d, "created": true}`, id)
	}))
	defer server.Close()

	pub := NewPublisher(NewClient(server.URL, "t"), newTestStore(t), testSchedule)

	first, err := pub.Publish(context.Background(), testDraft())
	if err != nil {
		t.Fatal(err)
	}
	second, err := pub.Publish(context.Background(), testDraft())
	if err != nil {
		t.Fatal(err)
	}

	if !first.Created || second.Created {
		t.Errorf("created flags = %v/%v, want true/false", first.Created, second.Created)
	}
	if first.ID != second.ID {
		t.Errorf("ids = %d/%d, replay must not create a duplicate", first.ID, second.ID)
	}
	if len(entities) != 1 {
		t.Errorf("entities = %d, want 1", len(entities))
	}
}

func TestBulkCreateOrderedResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/entities/bulk" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"results": [{"id": 1, "created": true}, {"id": 0, "error": "duplicate"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "t")
	results, err := client.BulkCreate(context.Background(), "event", []map[string]string{
		{"name": "a"}, {"name": "b"},
	})
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ID != 1 || !results[0].Created {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Error != "duplicate" {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestHealthNoAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("health check should not send credentials")
		}
		w.Write([]byte(`{"status": "ok"}`))
	}))
	defer server.Close()

	if err := NewClient(server.URL, "t").Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
