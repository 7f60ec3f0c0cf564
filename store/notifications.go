package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendNotification writes a ledger entry. Append-only: no UPDATE or
// DELETE touches this table outside of PruneNotifications.
func (s *Store) AppendNotification(ctx context.Context, rec *NotificationRecord) error {
	if rec.SentAt == 0 {
		rec.SentAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO notification_history
		(item_id, recipient_id, sent_at, kind) VALUES (?,?,?,?)`,
		rec.ItemID, rec.RecipientID, rec.SentAt, rec.Kind)
	if err != nil {
		return fmt.Errorf("store: append notification: %w", err)
	}
	return nil
}

// LastSentAt returns the most recent delivery time for (itemID,
// recipientID), or zero time if none exists. Used to enforce cooldown.
func (s *Store) LastSentAt(ctx context.Context, itemID, recipientID string) (time.Time, error) {
	var sentAt int64
	err := s.DB.QueryRowContext(ctx, `SELECT sent_at FROM notification_history
		WHERE item_id = ? AND recipient_id = ? AND kind != ? ORDER BY sent_at DESC LIMIT 1`,
		itemID, recipientID, KindSkippedStale).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last sent at: %w", err)
	}
	return time.UnixMilli(sentAt), nil
}

// DeliveryCountSince counts successful deliveries to recipientID since
// `since`, used to enforce the per-recipient daily notification cap.
func (s *Store) DeliveryCountSince(ctx context.Context, recipientID string, since time.Time) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_history
		WHERE recipient_id = ? AND sent_at >= ? AND kind != ?`, recipientID, since.UnixMilli(), KindSkippedStale).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: delivery count since: %w", err)
	}
	return count, nil
}

// PruneNotifications deletes ledger rows older than `before`, bounded
// by a per-call cap.
func (s *Store) PruneNotifications(ctx context.Context, before time.Time, capPerCall int) (int64, error) {
	if capPerCall <= 0 {
		capPerCall = 5000
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM notification_history WHERE rowid IN (
		SELECT rowid FROM notification_history WHERE sent_at < ? LIMIT ?)`,
		before.UnixMilli(), capPerCall)
	if err != nil {
		return 0, fmt.Errorf("store: prune notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune notifications: rows affected: %w", err)
	}
	return n, nil
}
