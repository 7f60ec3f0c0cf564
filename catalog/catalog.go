// Package catalog is the thin façade over Store that the bot/admin
// front-end calls for admission-time checks: URL canonicalisation,
// vendor-tag inference, per-user daily-add quota enforcement, and
// admin overrides.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/kure29/vpsmonitor/clock"
	"github.com/kure29/vpsmonitor/config"
	"github.com/kure29/vpsmonitor/store"
)

// Errors returned to callers of the inbound interface, per spec.md §6.
var (
	ErrNotFound = errors.New("catalog: item not found")
	ErrNotOwner = errors.New("catalog: caller does not own this item")
	ErrBanned   = errors.New("catalog: user is banned")
	ErrNotAdmin = errors.New("catalog: caller is not an admin")
)

// API is the inbound programmatic surface exposed to the bot/front-end,
// per spec.md §6. The conversational bot itself is out of scope to
// build; this interface is what it would call.
type API interface {
	AddItem(ctx context.Context, userID, name, url, configText string) (itemID string, err error)
	RemoveItem(ctx context.Context, userID, itemID string) error
	ListItems(ctx context.Context, userID string, page, size int) ([]*store.Item, error)
	SetUserPrefs(ctx context.Context, userID string, prefs UserPrefs) error
	AdminListAll(ctx context.Context, adminID string) ([]*store.Item, error)
	AdminBan(ctx context.Context, adminID, userID string) error
	AdminDisableItem(ctx context.Context, adminID, itemID string) error
}

// UserPrefs is the mutable subset of User a caller of SetUserPrefs may set.
type UserPrefs struct {
	CooldownSeconds      *int
	DailyNotifyLimit     *int
	QuietHoursStart      *int
	QuietHoursEnd        *int
	NotificationsEnabled *bool
}

// Catalog implements API against a Store.
type Catalog struct {
	store         *store.Store
	clock         clock.Clock
	vendors       []config.VendorRule
	dailyAddLimit int
}

// New constructs a Catalog bound to the given store and vendor registry.
func New(s *store.Store, c clock.Clock, vendors []config.VendorRule, dailyAddLimit int) *Catalog {
	if dailyAddLimit <= 0 {
		dailyAddLimit = 50
	}
	return &Catalog{store: s, clock: c, vendors: vendors, dailyAddLimit: dailyAddLimit}
}

// AddItem canonicalises the URL, infers a vendor tag, enforces the
// caller's daily quota, and upserts the item.
func (c *Catalog) AddItem(ctx context.Context, userID, name, rawURL, configText string) (string, error) {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("catalog: add item: %w", err)
	}
	if user != nil && user.IsBanned {
		return "", ErrBanned
	}

	canon, err := Canonicalise(rawURL)
	if err != nil {
		return "", fmt.Errorf("catalog: add item: %w", store.ErrInvalidURL)
	}

	count, err := c.store.IncrementDailyAddedCount(ctx, userID, c.clock.Now())
	if err != nil {
		return "", fmt.Errorf("catalog: add item: %w", err)
	}
	if count > c.dailyAddLimit {
		return "", store.ErrQuotaExceeded
	}

	itemID, err := c.store.UpsertItem(ctx, &store.Item{
		OwnerID:    userID,
		Name:       name,
		URL:        canon,
		VendorTag:  InferVendorTag(canon, c.vendors),
		ConfigText: configText,
		Enabled:    true,
		CreatedAt:  c.clock.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return itemID, nil
}

// RemoveItem deletes an item the caller owns.
func (c *Catalog) RemoveItem(ctx context.Context, userID, itemID string) error {
	item, err := c.store.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("catalog: remove item: %w", err)
	}
	if item == nil {
		return ErrNotFound
	}
	if item.OwnerID != userID {
		return ErrNotOwner
	}
	return c.store.DeleteItem(ctx, itemID)
}

// ListItems returns a page of items owned by userID.
func (c *Catalog) ListItems(ctx context.Context, userID string, page, size int) ([]*store.Item, error) {
	return c.store.ListItemsByOwner(ctx, userID, page, size)
}

// SetUserPrefs applies the given preference overrides for userID.
func (c *Catalog) SetUserPrefs(ctx context.Context, userID string, prefs UserPrefs) error {
	user, err := c.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("catalog: set user prefs: %w", err)
	}
	if user == nil {
		user = &store.User{UserID: userID, NotificationsEnabled: true}
	}
	if prefs.CooldownSeconds != nil {
		user.CooldownSeconds = *prefs.CooldownSeconds
	}
	if prefs.DailyNotifyLimit != nil {
		user.DailyNotifyLimit = *prefs.DailyNotifyLimit
	}
	if prefs.QuietHoursStart != nil {
		user.QuietHoursStart = *prefs.QuietHoursStart
	}
	if prefs.QuietHoursEnd != nil {
		user.QuietHoursEnd = *prefs.QuietHoursEnd
	}
	if prefs.NotificationsEnabled != nil {
		user.NotificationsEnabled = *prefs.NotificationsEnabled
	}
	return c.store.UpsertUser(ctx, user)
}

// AdminListAll lists every item in the catalog, gated on adminID being an admin.
func (c *Catalog) AdminListAll(ctx context.Context, adminID string) ([]*store.Item, error) {
	if err := c.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return c.store.ListAllItems(ctx)
}

// AdminBan marks userID banned.
func (c *Catalog) AdminBan(ctx context.Context, adminID, userID string) error {
	if err := c.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	return c.store.BanUser(ctx, userID)
}

// AdminDisableItem disables scheduling for itemID without erasing history.
func (c *Catalog) AdminDisableItem(ctx context.Context, adminID, itemID string) error {
	if err := c.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	return c.store.SetEnabled(ctx, itemID, false)
}

func (c *Catalog) requireAdmin(ctx context.Context, adminID string) error {
	admin, err := c.store.GetUser(ctx, adminID)
	if err != nil {
		return fmt.Errorf("catalog: require admin: %w", err)
	}
	if admin == nil || !admin.IsAdmin {
		return ErrNotAdmin
	}
	return nil
}
