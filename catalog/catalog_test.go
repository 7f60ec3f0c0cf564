package catalog

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/kure29/vpsmonitor/clock"
	"github.com/kure29/vpsmonitor/config"
	"github.com/kure29/vpsmonitor/dbopen"
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

func newTestCatalog(t *testing.T, dailyAddLimit int) *Catalog {
	t.Helper()
	s := store.New(openTestDB(t))
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	vendors := []config.VendorRule{{HostSuffix: "racknerd.com", Tag: "racknerd"}}
	return New(s, fc, vendors, dailyAddLimit)
}

func TestAddItemHappyPath(t *testing.T) {
	cat := newTestCatalog(t, 10)
	ctx := context.Background()

	id, err := cat.AddItem(ctx, "user1", "KVM Plan", "https://Cart.Racknerd.com/Plan/1?utm_source=ad", "")
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated item id")
	}

	items, err := cat.ListItems(ctx, "user1", 0, 10)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items: got %d, want 1", len(items))
	}
	if items[0].VendorTag != "racknerd" {
		t.Errorf("vendor tag: got %q, want racknerd", items[0].VendorTag)
	}
	if items[0].URL != "https://cart.racknerd.com/Plan/1" {
		t.Errorf("url: got %q", items[0].URL)
	}
}

func TestAddItemRejectsDuplicateURL(t *testing.T) {
	cat := newTestCatalog(t, 10)
	ctx := context.Background()

	if _, err := cat.AddItem(ctx, "user1", "A", "https://cart.racknerd.com/plan/1", ""); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := cat.AddItem(ctx, "user2", "B", "https://cart.racknerd.com/plan/1", "")
	if !errors.Is(err, store.ErrDuplicateURL) {
		t.Fatalf("expected ErrDuplicateURL, got %v", err)
	}
}

func TestAddItemRejectsBannedUser(t *testing.T) {
	cat := newTestCatalog(t, 10)
	ctx := context.Background()

	if err := cat.store.UpsertUser(ctx, &store.User{UserID: "bad1", IsBanned: true}); err != nil {
		t.Fatalf("ban setup: %v", err)
	}
	_, err := cat.AddItem(ctx, "bad1", "A", "https://cart.racknerd.com/plan/1", "")
	if !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestAddItemEnforcesDailyQuota(t *testing.T) {
	cat := newTestCatalog(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		url := "https://cart.racknerd.com/plan/" + string(rune('a'+i))
		if _, err := cat.AddItem(ctx, "user1", "A", url, ""); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	_, err := cat.AddItem(ctx, "user1", "over", "https://cart.racknerd.com/plan/over", "")
	if !errors.Is(err, store.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestRemoveItemEnforcesOwnership(t *testing.T) {
	cat := newTestCatalog(t, 10)
	ctx := context.Background()

	id, err := cat.AddItem(ctx, "owner1", "A", "https://cart.racknerd.com/plan/1", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := cat.RemoveItem(ctx, "someoneelse", id); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := cat.RemoveItem(ctx, "owner1", id); err != nil {
		t.Fatalf("owner remove: %v", err)
	}
	if err := cat.RemoveItem(ctx, "owner1", "nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdminOperationsRequireAdmin(t *testing.T) {
	cat := newTestCatalog(t, 10)
	ctx := context.Background()

	if _, err := cat.AdminListAll(ctx, "notadmin"); !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}

	if err := cat.store.UpsertUser(ctx, &store.User{UserID: "admin1", IsAdmin: true}); err != nil {
		t.Fatalf("admin setup: %v", err)
	}

	id, err := cat.AddItem(ctx, "owner1", "A", "https://cart.racknerd.com/plan/1", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := cat.AdminListAll(ctx, "admin1"); err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if err := cat.AdminDisableItem(ctx, "admin1", id); err != nil {
		t.Fatalf("admin disable: %v", err)
	}
	item, err := cat.store.GetItem(ctx, id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Enabled {
		t.Fatal("expected item to be disabled")
	}
	if err := cat.AdminBan(ctx, "admin1", "owner1"); err != nil {
		t.Fatalf("admin ban: %v", err)
	}
	user, err := cat.store.GetUser(ctx, "owner1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !user.IsBanned {
		t.Fatal("expected owner1 to be banned")
	}
}

func TestSetUserPrefsCreatesUserIfMissing(t *testing.T) {
	cat := newTestCatalog(t, 10)
	ctx := context.Background()

	cooldown := 120
	if err := cat.SetUserPrefs(ctx, "newuser", UserPrefs{CooldownSeconds: &cooldown}); err != nil {
		t.Fatalf("set prefs: %v", err)
	}
	user, err := cat.store.GetUser(ctx, "newuser")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user == nil {
		t.Fatal("expected user to be created")
	}
	if user.CooldownSeconds != 120 {
		t.Errorf("cooldown: got %d, want 120", user.CooldownSeconds)
	}
}
