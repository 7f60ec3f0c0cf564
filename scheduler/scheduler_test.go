package scheduler

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kure29/vpsmonitor/aggregator"
	"github.com/kure29/vpsmonitor/clock"
	"github.com/kure29/vpsmonitor/dbopen"
	"github.com/kure29/vpsmonitor/detect"
	"github.com/kure29/vpsmonitor/fetcher"
	"github.com/kure29/vpsmonitor/fusion"
	"github.com/kure29/vpsmonitor/store"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// fakeDetector returns a fixed verdict regardless of input, letting
// tests drive fusion/transition deterministically without depending on
// real page content.
type fakeDetector struct {
	name    string
	weight  float64
	verdict store.Verdict
	conf    float64
}

func (f *fakeDetector) Name() string    { return f.name }
func (f *fakeDetector) Weight() float64 { return f.weight }
func (f *fakeDetector) Run(ctx context.Context, in detect.Input) (detect.Result, error) {
	return detect.Result{Detector: f.name, Verdict: f.verdict, Confidence: f.conf, Evidence: "fake"}, nil
}

type fakeSink struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeSink) SendText(ctx context.Context, recipient, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return nil
}
func (f *fakeSink) SendBatch(ctx context.Context, recipient string, bodies []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return nil
}
func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func TestPollOnceDetectsRestockAndEnqueuesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>add to cart now</body></html>"))
	}))
	defer srv.Close()

	s := store.New(openTestDB(t))
	ctx := context.Background()
	if err := s.UpsertUser(ctx, &store.User{UserID: "admin1", IsAdmin: true, NotificationsEnabled: true}); err != nil {
		t.Fatalf("upsert admin: %v", err)
	}
	itemID, err := s.UpsertItem(ctx, &store.Item{OwnerID: "admin1", Name: "KVM Plan", URL: srv.URL, LastStatus: store.VerdictUnavailable, Enabled: true})
	if err != nil {
		t.Fatalf("upsert item: %v", err)
	}

	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := fetcher.New(0, 5*time.Second)
	sink := &fakeSink{}
	agg := aggregator.New(s, fc, sink, 10*time.Second, 5*time.Second, 600*time.Second, 0)

	detectors := []detect.Detector{&fakeDetector{name: "keyword", weight: 1.0, verdict: store.VerdictAvailable, conf: 0.95}}
	weights := fusion.Weights{"keyword": 1.0}
	cfg := Config{CheckInterval: time.Minute, ConfidenceThreshold: 0.5, ErrorThreshold: 3, MaxWorkers: 2, MaxRetries: 0}
	sch := New(s, fc, f, detectors, weights, agg, cfg)

	if err := sch.PollOnce(ctx); err != nil {
		t.Fatalf("poll once: %v", err)
	}

	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.LastStatus != store.VerdictAvailable {
		t.Fatalf("last status: got %q, want available", item.LastStatus)
	}

	fc.Advance(6 * time.Second)
	if err := agg.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := sink.count(); got == 0 {
		t.Fatal("expected the restock event to reach the sink")
	}
}

func TestPollOnceRecordsFetchErrorAndEscalates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := store.New(openTestDB(t))
	ctx := context.Background()
	if err := s.UpsertUser(ctx, &store.User{UserID: "admin1", IsAdmin: true, NotificationsEnabled: true}); err != nil {
		t.Fatalf("upsert admin: %v", err)
	}
	itemID, err := s.UpsertItem(ctx, &store.Item{OwnerID: "admin1", Name: "KVM Plan", URL: srv.URL, Enabled: true})
	if err != nil {
		t.Fatalf("upsert item: %v", err)
	}

	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := fetcher.New(0, 5*time.Second)
	sink := &fakeSink{}
	agg := aggregator.New(s, fc, sink, 10*time.Second, 5*time.Second, 600*time.Second, 0)

	cfg := Config{CheckInterval: time.Minute, ConfidenceThreshold: 0.5, ErrorThreshold: 1, MaxWorkers: 2, MaxRetries: 0}
	sch := New(s, fc, f, nil, fusion.Weights{}, agg, cfg)

	if err := sch.PollOnce(ctx); err != nil {
		t.Fatalf("poll once: %v", err)
	}

	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.ConsecutiveErrorCount != 1 {
		t.Fatalf("consecutive error count: got %d, want 1", item.ConsecutiveErrorCount)
	}
	if item.Enabled {
		t.Fatal("expected the item to be auto-disabled once error_threshold is crossed")
	}

	fc.Advance(6 * time.Second)
	if err := agg.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := sink.count(); got == 0 {
		t.Fatal("expected an admin_health event to reach the sink")
	}
}

func TestClaimPreventsConcurrentDuplicateProcessing(t *testing.T) {
	s := store.New(openTestDB(t))
	fc := clock.NewFake(time.Now())
	f := fetcher.New(0, time.Second)
	agg := aggregator.New(s, fc, &fakeSink{}, time.Minute, time.Second, time.Minute, 0)
	sch := New(s, fc, f, nil, fusion.Weights{}, agg, Config{})

	if !sch.claim("item1") {
		t.Fatal("expected the first claim to succeed")
	}
	if sch.claim("item1") {
		t.Fatal("expected a second concurrent claim on the same item to be rejected")
	}
	sch.release("item1")
	if !sch.claim("item1") {
		t.Fatal("expected a claim to succeed again after release")
	}
}
