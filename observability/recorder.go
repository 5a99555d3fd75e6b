// Package observability carries the pipeline's audit and measurement
// concerns: the task-event recorder and SQLite-backed pipeline counters.
//
// Both are deliberately non-critical. A failed event or metric write is
// logged and dropped; it never blocks or fails the state transition it
// describes. The task rows remain the source of truth, events and metrics
// are the explanation.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hazyhaar/relance/idgen"
	"github.com/hazyhaar/relance/store"
)

// Event payloads are closed per-type shapes. Everything an operator needs to
// reconstruct a transition lives here, nothing else does.
type (
	// CreatedPayload annotates the created event.
	CreatedPayload struct {
		ActionType string `json:"action_type"`
		DueAt      int64  `json:"due_at,omitempty"`
	}
	// ClarificationPayload carries the question sent back to the user.
	ClarificationPayload struct {
		Question string `json:"question"`
	}
	// ScheduledPayload records the instant the task will fire.
	ScheduledPayload struct {
		DueAt int64 `json:"due_at"`
	}
	// DraftPayload annotates draft_generated.
	DraftPayload struct {
		Subject string `json:"subject"`
	}
	// SendPayload annotates sending and sent with the outbox row involved.
	SendPayload struct {
		OutboxID string `json:"outbox_id"`
		Channel  string `json:"channel,omitempty"`
		Attempts int    `json:"attempts,omitempty"`
	}
	// FailurePayload annotates failed.
	FailurePayload struct {
		Reason   string `json:"reason"`
		Attempts int    `json:"attempts,omitempty"`
	}
	// RetryPayload annotates retried, both outbox backoff and admin resets.
	RetryPayload struct {
		Attempts    int    `json:"attempts,omitempty"`
		NextRetryAt int64  `json:"next_retry_at,omitempty"`
		By          string `json:"by,omitempty"`
	}
)

// Recorder appends task events without ever failing the caller. Audit write
// problems are an operator concern, not a pipeline one.
type Recorder struct {
	store *store.Store
	newID idgen.Generator
	log   *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) RecorderOption {
	return func(r *Recorder) { r.newID = gen }
}

// NewRecorder creates a recorder writing through the given store.
func NewRecorder(st *store.Store, log *slog.Logger, opts ...RecorderOption) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store: st,
		newID: idgen.Prefixed("evt_", idgen.Default),
		log:   log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record appends one task event. Errors (including payload marshalling) are
// logged and swallowed: a transition must not fail because its audit trail
// could not be written. Pass a nil payload for events that carry none.
func (r *Recorder) Record(ctx context.Context, taskID, userID, eventType string, payload any) {
	body := "{}"
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			r.log.Error("observability: event payload marshal failed",
				"task_id", taskID, "event_type", eventType, "error", err)
		} else {
			body = string(b)
		}
	}

	err := r.store.AppendEvent(ctx, &store.TaskEvent{
		ID:        r.newID(),
		TaskID:    taskID,
		UserID:    userID,
		EventType: eventType,
		Payload:   body,
	})
	if err != nil {
		r.log.Error("observability: event append failed",
			"task_id", taskID, "event_type", eventType, "error", err)
	}
}
