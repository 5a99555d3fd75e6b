// Package store is the data access layer for the relance pipeline.
//
// It owns the six tables (users, preferences, inbound_messages, tasks,
// outbox_messages, task_events) and every statement that touches them.
// The pipeline's exclusivity rules live here as two SQL shapes:
//
//   - batch claims: a single UPDATE whose WHERE selects a bounded,
//     ordered id set and whose RETURNING hands the claimed rows to
//     exactly one caller (scheduler and outbox sender);
//   - state-asserted updates: UPDATE ... WHERE id = ? AND status = ?,
//     where zero rows affected means another actor got there first.
//
// Workers never mutate rows directly; they go through these methods so
// the state machine cannot be bypassed.
package store

import (
	"database/sql"
	"strings"
)

// Store wraps the pipeline database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// IsUniqueViolation reports whether err is an SQLite UNIQUE constraint
// failure. Used to turn insert races into dedup decisions.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
