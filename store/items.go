package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Admission-time errors returned by UpsertItem. Checked with errors.Is.
var (
	ErrDuplicateURL  = errors.New("store: duplicate url")
	ErrQuotaExceeded = errors.New("store: daily add quota exceeded")
	ErrInvalidURL    = errors.New("store: invalid url")
)

const itemColumns = `item_id, owner_id, is_global, name, url, vendor_tag, config_text,
	enabled, created_at, last_checked_at, last_status, last_confidence,
	consecutive_error_count, fingerprint_hash, api_endpoint`

// UpsertItem inserts a new item, assigning it an ID if ItemID is empty.
// Callers perform URL validation and quota checks upstream (catalog);
// this method only enforces the URL-uniqueness invariant at the
// storage layer.
func (s *Store) UpsertItem(ctx context.Context, item *Item) (string, error) {
	if item.URL == "" {
		return "", ErrInvalidURL
	}
	if item.ItemID == "" {
		item.ItemID = s.newID()
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().UnixMilli()
	}
	if item.LastStatus == "" {
		item.LastStatus = VerdictUnknown
	}

	_, err := s.DB.ExecContext(ctx, `INSERT INTO items (`+itemColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ItemID, item.OwnerID, item.IsGlobal, item.Name, item.URL, item.VendorTag,
		item.ConfigText, item.Enabled, item.CreatedAt, item.LastCheckedAt, item.LastStatus,
		item.LastConfidence, item.ConsecutiveErrorCount, item.FingerprintHash, item.APIEndpoint,
	)
	if isUniqueViolation(err) {
		return "", ErrDuplicateURL
	}
	if err != nil {
		return "", fmt.Errorf("store: upsert item: %w", err)
	}
	return item.ItemID, nil
}

// GetItem retrieves an item by ID. Returns nil, nil if not found.
func (s *Store) GetItem(ctx context.Context, itemID string) (*Item, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, itemID)
	return scanItem(row)
}

// GetItemByURL returns the item with the given canonical URL, or nil.
func (s *Store) GetItemByURL(ctx context.Context, url string) (*Item, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE url = ? LIMIT 1`, url)
	return scanItem(row)
}

// ListItemsByOwner returns the items owned by ownerID, newest first,
// paginated by page (0-indexed) and size.
func (s *Store) ListItemsByOwner(ctx context.Context, ownerID string, page, size int) ([]*Item, error) {
	if size <= 0 {
		size = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM items
		WHERE owner_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerID, size, page*size)
	if err != nil {
		return nil, fmt.Errorf("store: list items by owner: %w", err)
	}
	defer rows.Close()
	return scanItemRows(rows)
}

// ListAllItems returns every item in the catalog, for admin views.
func (s *Store) ListAllItems(ctx context.Context) ([]*Item, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list all items: %w", err)
	}
	defer rows.Close()
	return scanItemRows(rows)
}

// DueItems returns enabled items where now-last_checked_at >= minInterval,
// oldest-stale first, tie-broken by item_id for determinism.
func (s *Store) DueItems(ctx context.Context, now time.Time, minInterval time.Duration) ([]*Item, error) {
	cutoff := now.Add(-minInterval).UnixMilli()
	rows, err := s.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM items
		WHERE enabled = 1 AND last_checked_at <= ?
		ORDER BY last_checked_at ASC, item_id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: due items: %w", err)
	}
	defer rows.Close()
	return scanItemRows(rows)
}

// SetEnabled toggles scheduling for an item without touching its history.
func (s *Store) SetEnabled(ctx context.Context, itemID string, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE items SET enabled = ? WHERE item_id = ?`, enabled, itemID)
	if err != nil {
		return fmt.Errorf("store: set enabled: %w", err)
	}
	return nil
}

// DeleteItem removes an item; ON DELETE CASCADE drops its check_history rows.
func (s *Store) DeleteItem(ctx context.Context, itemID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM items WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("store: delete item: %w", err)
	}
	return nil
}

// SetLastCheckedAt overrides an item's due-scheduling timestamp without
// touching check_history, used to pull a suspicious fingerprint-drift
// item's next poll forward of the normal check_interval cadence, and to
// push a blocked item's next poll back by blocked_backoff.
func (s *Store) SetLastCheckedAt(ctx context.Context, itemID string, t time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE items SET last_checked_at = ? WHERE item_id = ?`, t.UnixMilli(), itemID)
	if err != nil {
		return fmt.Errorf("store: set last checked at: %w", err)
	}
	return nil
}

// SetAPIEndpoint memoises the D3 ApiProbe's discovered endpoint on the item.
func (s *Store) SetAPIEndpoint(ctx context.Context, itemID, endpoint string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE items SET api_endpoint = ? WHERE item_id = ?`, endpoint, itemID)
	if err != nil {
		return fmt.Errorf("store: set api endpoint: %w", err)
	}
	return nil
}

// RecordCheck atomically appends a CheckRecord and updates the item's
// last_* fields in one transaction, per spec §4.1.
func (s *Store) RecordCheck(ctx context.Context, item *Item, check *CheckRecord) error {
	if check.CheckID == "" {
		check.CheckID = s.newID()
	}
	if check.CheckTime == 0 {
		check.CheckTime = time.Now().UnixMilli()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: record check: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO check_history
		(check_id, item_id, check_time, verdict, confidence, detector_results,
		 http_status, latency_ms, error_kind, error_message, fingerprint_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		check.CheckID, check.ItemID, check.CheckTime, check.Verdict, check.Confidence,
		check.DetectorResults, check.HTTPStatus, check.LatencyMs, check.ErrorKind,
		check.ErrorMessage, check.FingerprintHash,
	)
	if err != nil {
		return fmt.Errorf("store: record check: insert history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE items SET last_checked_at=?, last_status=?,
		last_confidence=?, consecutive_error_count=?, fingerprint_hash=? WHERE item_id=?`,
		check.CheckTime, item.LastStatus, item.LastConfidence, item.ConsecutiveErrorCount,
		item.FingerprintHash, item.ItemID,
	)
	if err != nil {
		return fmt.Errorf("store: record check: update item: %w", err)
	}

	return tx.Commit()
}

// RecentHistory returns the last `limit` check records for an item,
// newest first.
func (s *Store) RecentHistory(ctx context.Context, itemID string, limit int) ([]*CheckRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT check_id, item_id, check_time, verdict,
		confidence, detector_results, http_status, latency_ms, error_kind, error_message, fingerprint_hash
		FROM check_history WHERE item_id = ? ORDER BY check_time DESC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent history: %w", err)
	}
	defer rows.Close()

	var out []*CheckRecord
	for rows.Next() {
		var c CheckRecord
		if err := rows.Scan(&c.CheckID, &c.ItemID, &c.CheckTime, &c.Verdict, &c.Confidence,
			&c.DetectorResults, &c.HTTPStatus, &c.LatencyMs, &c.ErrorKind, &c.ErrorMessage,
			&c.FingerprintHash); err != nil {
			return nil, fmt.Errorf("store: scan check record: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PruneHistory deletes check_history rows older than `before`, bounded
// by a per-call cap so the operation stays short, then separately caps
// each item to its most recent `keepPerItem` records.
func (s *Store) PruneHistory(ctx context.Context, before time.Time, keepPerItem, capPerCall int) (int64, error) {
	if capPerCall <= 0 {
		capPerCall = 5000
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM check_history WHERE check_id IN (
		SELECT check_id FROM check_history WHERE check_time < ? LIMIT ?)`,
		before.UnixMilli(), capPerCall)
	if err != nil {
		return 0, fmt.Errorf("store: prune history: %w", err)
	}
	byAge, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune history: rows affected: %w", err)
	}

	if keepPerItem <= 0 {
		return byAge, nil
	}
	res2, err := s.DB.ExecContext(ctx, `DELETE FROM check_history WHERE check_id IN (
		SELECT check_id FROM (
			SELECT check_id, ROW_NUMBER() OVER (PARTITION BY item_id ORDER BY check_time DESC) AS rn
			FROM check_history
		) WHERE rn > ? LIMIT ?)`, keepPerItem, capPerCall)
	if err != nil {
		return byAge, fmt.Errorf("store: prune history: keep-per-item: %w", err)
	}
	byCount, err := res2.RowsAffected()
	if err != nil {
		return byAge, fmt.Errorf("store: prune history: rows affected: %w", err)
	}
	return byAge + byCount, nil
}

func scanItem(row *sql.Row) (*Item, error) {
	var it Item
	var isGlobal, enabled int
	err := row.Scan(&it.ItemID, &it.OwnerID, &isGlobal, &it.Name, &it.URL, &it.VendorTag,
		&it.ConfigText, &enabled, &it.CreatedAt, &it.LastCheckedAt, &it.LastStatus,
		&it.LastConfidence, &it.ConsecutiveErrorCount, &it.FingerprintHash, &it.APIEndpoint)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan item: %w", err)
	}
	it.IsGlobal = isGlobal != 0
	it.Enabled = enabled != 0
	return &it, nil
}

func scanItemRows(rows *sql.Rows) ([]*Item, error) {
	var out []*Item
	for rows.Next() {
		var it Item
		var isGlobal, enabled int
		if err := rows.Scan(&it.ItemID, &it.OwnerID, &isGlobal, &it.Name, &it.URL, &it.VendorTag,
			&it.ConfigText, &enabled, &it.CreatedAt, &it.LastCheckedAt, &it.LastStatus,
			&it.LastConfidence, &it.ConsecutiveErrorCount, &it.FingerprintHash, &it.APIEndpoint); err != nil {
			return nil, fmt.Errorf("store: scan item row: %w", err)
		}
		it.IsGlobal = isGlobal != 0
		it.Enabled = enabled != 0
		out = append(out, &it)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
