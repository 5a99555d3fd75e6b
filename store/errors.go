package store

import "errors"

// ErrDuplicateInbound is returned when an inbound insert collides with an
// existing idempotency key. Callers treat it as "already accepted", not
// as a failure.
var ErrDuplicateInbound = errors.New("store: inbound message already exists for this idempotency key")

// ErrDuplicateTask is returned when a task insert collides with an existing
// task for the same source inbound message.
var ErrDuplicateTask = errors.New("store: task already exists for this inbound message")

// ErrStateConflict is returned by state-asserted updates when the row was
// not in the expected prior state. The caller lost the race; the winning
// actor's transition stands.
var ErrStateConflict = errors.New("store: row not in expected state")
