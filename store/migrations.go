package store

import (
	"database/sql"
	"fmt"
)

// migration is one numbered, idempotent schema step.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema steps. Append, never edit or
// remove a past entry: a row already recorded in schema_migrations must
// stay reproducible from this list.
var migrations = []migration{
	{1, `
CREATE TABLE IF NOT EXISTS items (
	item_id                 TEXT PRIMARY KEY,
	owner_id                TEXT NOT NULL,
	is_global               INTEGER NOT NULL DEFAULT 0,
	name                    TEXT NOT NULL,
	url                     TEXT NOT NULL,
	vendor_tag              TEXT NOT NULL DEFAULT '',
	config_text             TEXT NOT NULL DEFAULT '',
	enabled                 INTEGER NOT NULL DEFAULT 1,
	created_at              INTEGER NOT NULL,
	last_checked_at         INTEGER NOT NULL DEFAULT 0,
	last_status             TEXT NOT NULL DEFAULT 'unknown',
	last_confidence         REAL NOT NULL DEFAULT 0,
	consecutive_error_count INTEGER NOT NULL DEFAULT 0,
	fingerprint_hash        TEXT NOT NULL DEFAULT '',
	api_endpoint            TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_url ON items(url);
CREATE INDEX IF NOT EXISTS idx_items_due ON items(enabled, last_checked_at);
CREATE INDEX IF NOT EXISTS idx_items_owner ON items(owner_id);

CREATE TABLE IF NOT EXISTS check_history (
	check_id         TEXT PRIMARY KEY,
	item_id          TEXT NOT NULL REFERENCES items(item_id) ON DELETE CASCADE,
	check_time       INTEGER NOT NULL,
	verdict          TEXT NOT NULL,
	confidence       REAL NOT NULL,
	detector_results TEXT NOT NULL DEFAULT '{}',
	http_status      INTEGER NOT NULL DEFAULT 0,
	latency_ms       INTEGER NOT NULL DEFAULT 0,
	error_kind       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	fingerprint_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_check_history_item_time ON check_history(item_id, check_time DESC);

CREATE TABLE IF NOT EXISTS users (
	user_id               TEXT PRIMARY KEY,
	is_admin              INTEGER NOT NULL DEFAULT 0,
	is_banned             INTEGER NOT NULL DEFAULT 0,
	daily_added_count     INTEGER NOT NULL DEFAULT 0,
	daily_window_start    INTEGER NOT NULL DEFAULT 0,
	cooldown_seconds      INTEGER NOT NULL DEFAULT 600,
	daily_notify_limit    INTEGER NOT NULL DEFAULT 20,
	quiet_hours_start     INTEGER NOT NULL DEFAULT 0,
	quiet_hours_end       INTEGER NOT NULL DEFAULT 0,
	notifications_enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS notification_history (
	item_id      TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	sent_at      INTEGER NOT NULL,
	kind         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notif_history_item_recipient ON notification_history(item_id, recipient_id, sent_at DESC);
CREATE INDEX IF NOT EXISTS idx_notif_history_recipient_time ON notification_history(recipient_id, sent_at DESC);
`},
}

// Migrate applies every migration newer than the database's recorded
// version, in order, inside one transaction per step. It refuses to
// start if the database's recorded version is ahead of what this
// binary knows about (a downgrade), per the spec's "refuse to start if
// migrations are missing" contract.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	current, err := currentVersion(db)
	if err != nil {
		return err
	}

	latest := migrations[len(migrations)-1].version
	if current > latest {
		return fmt.Errorf("store: database schema version %d is newer than this binary's latest known version %d", current, latest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("store: migration %d: %w", m.version, err)
		}
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, m.version); err != nil {
		return err
	}
	return tx.Commit()
}
