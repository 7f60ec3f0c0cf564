// Package store is the data access layer for the daemon: a single
// SQLite database holding Items, CheckRecords, Users, and the
// notification ledger.
package store

import (
	"database/sql"

	"github.com/kure29/vpsmonitor/idgen"
)

// Store wraps the database connection for all monitoring operations.
type Store struct {
	DB    *sql.DB
	newID idgen.Generator
}

// Option customises a Store.
type Option func(*Store)

// WithIDGenerator overrides the default UUIDv7 generator (used in tests
// for deterministic IDs).
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// New creates a Store bound to an already-opened, already-migrated
// database connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:    db,
		newID: idgen.Default,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}
