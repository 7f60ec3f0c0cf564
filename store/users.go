package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const userColumns = `user_id, is_admin, is_banned, daily_added_count, daily_window_start,
	cooldown_seconds, daily_notify_limit, quiet_hours_start, quiet_hours_end, notifications_enabled`

// UpsertUser inserts a user or overwrites its mutable fields. Used both
// for first-contact registration and preference updates.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	if u.CooldownSeconds <= 0 {
		u.CooldownSeconds = 600
	}
	if u.DailyNotifyLimit <= 0 {
		u.DailyNotifyLimit = 20
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_admin=excluded.is_admin, is_banned=excluded.is_banned,
			cooldown_seconds=excluded.cooldown_seconds,
			daily_notify_limit=excluded.daily_notify_limit,
			quiet_hours_start=excluded.quiet_hours_start,
			quiet_hours_end=excluded.quiet_hours_end,
			notifications_enabled=excluded.notifications_enabled`,
		u.UserID, u.IsAdmin, u.IsBanned, u.DailyAddedCount, u.DailyWindowStart,
		u.CooldownSeconds, u.DailyNotifyLimit, u.QuietHoursStart, u.QuietHoursEnd,
		u.NotificationsEnabled,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID. Returns nil, nil if not found.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// AdminIDs returns the user_ids of every admin, used by the aggregator
// to resolve the "admins always get restocks" rule.
func (s *Store) AdminIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM users WHERE is_admin = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: admin ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan admin id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BanUser marks a user banned, blocking future admissions.
func (s *Store) BanUser(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET is_banned = 1 WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("store: ban user: %w", err)
	}
	return nil
}

// IncrementDailyAddedCount bumps a user's admission counter, resetting
// it first if the 24h window has elapsed. Returns the post-increment
// count so the catalog can compare it against the configured limit.
func (s *Store) IncrementDailyAddedCount(ctx context.Context, userID string, now time.Time) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: increment daily count: begin: %w", err)
	}
	defer tx.Rollback()

	var count int
	var windowStart int64
	err = tx.QueryRowContext(ctx, `SELECT daily_added_count, daily_window_start FROM users WHERE user_id = ?`, userID).
		Scan(&count, &windowStart)
	if err == sql.ErrNoRows {
		count, windowStart = 0, now.UnixMilli()
	} else if err != nil {
		return 0, fmt.Errorf("store: increment daily count: read: %w", err)
	}

	if now.UnixMilli()-windowStart >= 24*time.Hour.Milliseconds() {
		count, windowStart = 0, now.UnixMilli()
	}
	count++

	_, err = tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (?,0,0,?,?,600,20,0,0,1)
		ON CONFLICT(user_id) DO UPDATE SET daily_added_count=?, daily_window_start=?`,
		userID, count, windowStart, count, windowStart)
	if err != nil {
		return 0, fmt.Errorf("store: increment daily count: write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: increment daily count: commit: %w", err)
	}
	return count, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var isAdmin, isBanned, notifEnabled int
	err := row.Scan(&u.UserID, &isAdmin, &isBanned, &u.DailyAddedCount, &u.DailyWindowStart,
		&u.CooldownSeconds, &u.DailyNotifyLimit, &u.QuietHoursStart, &u.QuietHoursEnd, &notifEnabled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	u.IsBanned = isBanned != 0
	u.NotificationsEnabled = notifEnabled != 0
	return &u, nil
}
