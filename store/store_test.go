package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/kure29/vpsmonitor/dbopen"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrate(t *testing.T) {
	// WHAT: Migrate creates all tables without error.
	// WHY: Schema is the foundation — if it fails, nothing works.
	db := openTestDB(t)
	for _, table := range []string{"items", "check_history", "users", "notification_history", "schema_migrations"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMigrateRefusesDowngrade(t *testing.T) {
	db := openTestDB(t)
	db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (999, 0)`)
	if err := Migrate(db); err == nil {
		t.Fatal("expected Migrate to refuse a database newer than this binary")
	}
}

func TestUpsertAndGetItem(t *testing.T) {
	// WHAT: Insert an item and retrieve it by ID.
	// WHY: Basic CRUD must work for the catalog to function.
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	id, err := s.UpsertItem(ctx, &Item{
		OwnerID: "u1",
		Name:    "VPS plan A",
		URL:     "https://vendor.example/a",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated item id")
	}

	got, err := s.GetItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got == nil {
		t.Fatal("item not found")
	}
	if got.Name != "VPS plan A" {
		t.Errorf("name: got %q", got.Name)
	}
	if got.LastStatus != VerdictUnknown {
		t.Errorf("last_status: got %q, want unknown", got.LastStatus)
	}
}

func TestUpsertItemRejectsDuplicateURL(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	if _, err := s.UpsertItem(ctx, &Item{OwnerID: "u1", Name: "A", URL: "https://v.example/x", Enabled: true}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	_, err := s.UpsertItem(ctx, &Item{OwnerID: "u2", Name: "B", URL: "https://v.example/x", Enabled: true})
	if err == nil {
		t.Fatal("expected ErrDuplicateURL")
	}
}

func TestDueItems(t *testing.T) {
	// WHAT: DueItems returns enabled items whose staleness exceeds minInterval.
	// WHY: Scheduler relies on this to build its due-set.
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()
	now := time.Now()

	mustUpsert := func(it *Item) string {
		id, err := s.UpsertItem(ctx, it)
		if err != nil {
			t.Fatalf("upsert %s: %v", it.Name, err)
		}
		return id
	}

	staleID := mustUpsert(&Item{OwnerID: "u1", Name: "stale", URL: "https://v.example/stale", Enabled: true})
	db.Exec(`UPDATE items SET last_checked_at = ? WHERE item_id = ?`, now.Add(-time.Hour).UnixMilli(), staleID)

	freshID := mustUpsert(&Item{OwnerID: "u1", Name: "fresh", URL: "https://v.example/fresh", Enabled: true})
	db.Exec(`UPDATE items SET last_checked_at = ? WHERE item_id = ?`, now.UnixMilli(), freshID)

	mustUpsert(&Item{OwnerID: "u1", Name: "never-checked", URL: "https://v.example/new", Enabled: true})
	mustUpsert(&Item{OwnerID: "u1", Name: "disabled", URL: "https://v.example/off", Enabled: false})

	due, err := s.DueItems(ctx, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("due items: %v", err)
	}

	names := make(map[string]bool)
	for _, it := range due {
		names[it.Name] = true
	}
	if !names["stale"] {
		t.Error("'stale' should be due")
	}
	if !names["never-checked"] {
		t.Error("'never-checked' should be due")
	}
	if names["fresh"] {
		t.Error("'fresh' should not be due")
	}
	if names["disabled"] {
		t.Error("'disabled' should not be due")
	}
}

func TestRecordCheckUpdatesItemAndHistory(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	id, _ := s.UpsertItem(ctx, &Item{OwnerID: "u1", Name: "A", URL: "https://v.example/a", Enabled: true})
	item, _ := s.GetItem(ctx, id)
	item.LastStatus = VerdictAvailable
	item.LastConfidence = 0.8
	item.FingerprintHash = "abc123"

	if err := s.RecordCheck(ctx, item, &CheckRecord{
		ItemID:     id,
		Verdict:    VerdictAvailable,
		Confidence: 0.8,
		HTTPStatus: 200,
	}); err != nil {
		t.Fatalf("record check: %v", err)
	}

	got, _ := s.GetItem(ctx, id)
	if got.LastStatus != VerdictAvailable {
		t.Errorf("last_status: got %q", got.LastStatus)
	}
	if got.FingerprintHash != "abc123" {
		t.Errorf("fingerprint_hash: got %q", got.FingerprintHash)
	}

	history, err := s.RecentHistory(ctx, id, 10)
	if err != nil {
		t.Fatalf("recent history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history count: got %d, want 1", len(history))
	}
	if history[0].HTTPStatus != 200 {
		t.Errorf("http_status: got %d", history[0].HTTPStatus)
	}
}

func TestPruneHistoryRespectsKeepPerItem(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	id, _ := s.UpsertItem(ctx, &Item{OwnerID: "u1", Name: "A", URL: "https://v.example/a", Enabled: true})
	item, _ := s.GetItem(ctx, id)

	for i := 0; i < 5; i++ {
		if err := s.RecordCheck(ctx, item, &CheckRecord{ItemID: id, Verdict: VerdictInconclusive, Confidence: 0.1}); err != nil {
			t.Fatalf("record check %d: %v", i, err)
		}
	}

	deleted, err := s.PruneHistory(ctx, time.Now().Add(time.Hour), 2, 1000)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted: got %d, want 3", deleted)
	}

	remaining, _ := s.RecentHistory(ctx, id, 100)
	if len(remaining) != 2 {
		t.Fatalf("remaining: got %d, want 2", len(remaining))
	}
}

func TestAdminIDsAndNotificationLedger(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, &User{UserID: "admin1", IsAdmin: true}); err != nil {
		t.Fatalf("upsert admin: %v", err)
	}
	if err := s.UpsertUser(ctx, &User{UserID: "user1"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}

	admins, err := s.AdminIDs(ctx)
	if err != nil {
		t.Fatalf("admin ids: %v", err)
	}
	if len(admins) != 1 || admins[0] != "admin1" {
		t.Fatalf("admins: got %v", admins)
	}

	if err := s.AppendNotification(ctx, &NotificationRecord{ItemID: "itm1", RecipientID: "admin1", Kind: KindRestock}); err != nil {
		t.Fatalf("append notification: %v", err)
	}

	last, err := s.LastSentAt(ctx, "itm1", "admin1")
	if err != nil {
		t.Fatalf("last sent at: %v", err)
	}
	if last.IsZero() {
		t.Fatal("expected a non-zero last-sent time")
	}

	neverSent, err := s.LastSentAt(ctx, "itm1", "nobody")
	if err != nil {
		t.Fatalf("last sent at (never): %v", err)
	}
	if !neverSent.IsZero() {
		t.Fatal("expected zero time for a recipient with no deliveries")
	}
}

func TestIncrementDailyAddedCountResetsAfter24h(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	now := time.Now()
	count, err := s.IncrementDailyAddedCount(ctx, "u1", now)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 1 {
		t.Fatalf("count: got %d, want 1", count)
	}

	count, err = s.IncrementDailyAddedCount(ctx, "u1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 2 {
		t.Fatalf("count: got %d, want 2", count)
	}

	count, err = s.IncrementDailyAddedCount(ctx, "u1", now.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after window reset: got %d, want 1", count)
	}
}
