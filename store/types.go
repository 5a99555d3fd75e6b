package store

import "encoding/json"

// Channel names. Every inbound and outbound message belongs to one.
const (
	ChannelEmail = "email"
	ChannelChat  = "chat"
)

// Task statuses. Transitions are monotonic except failed → due (admin retry).
const (
	TaskPending            = "pending"
	TaskNeedsClarification = "needs_clarification"
	TaskDue                = "due"
	TaskExecuting          = "executing"
	TaskSending            = "sending"
	TaskDone               = "done"
	TaskFailed             = "failed"
)

// Action types carried by a task.
const (
	ActionRemind         = "remind"
	ActionRemindAndDraft = "remind_and_draft"
	ActionSend           = "send"
)

// Draft tones, set per user in preferences.
const (
	ToneFriendly = "friendly"
	ToneFormal   = "formal"
	ToneBrief    = "brief"
)

// Outbox statuses. failed is terminal until an admin retry resets the row.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Inbound statuses.
const (
	InboundReceived  = "received"
	InboundProcessed = "processed"
)

// ValidTaskStatus reports whether s is a known task status. Claims still
// assert prior state in their WHERE clauses; this only guards operator input.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskNeedsClarification, TaskDue, TaskExecuting,
		TaskSending, TaskDone, TaskFailed:
		return true
	}
	return false
}

// ValidOutboxStatus reports whether s is a known outbox status.
func ValidOutboxStatus(s string) bool {
	switch s {
	case OutboxQueued, OutboxSending, OutboxSent, OutboxFailed:
		return true
	}
	return false
}

// Task event types. The payload shape is closed per type.
const (
	EventCreated           = "created"
	EventClarificationSent = "clarification_sent"
	EventScheduled         = "scheduled"
	EventDue               = "due"
	EventExecuting         = "executing"
	EventDraftGenerated    = "draft_generated"
	EventSending           = "sending"
	EventSent              = "sent"
	EventDone              = "done"
	EventFailed            = "failed"
	EventRetried           = "retried"
)

// User is an externally provisioned recipient. The pipeline reads users,
// it never creates or mutates them (aside from test fixtures).
type User struct {
	ID           string `json:"id"`
	PrimaryEmail string `json:"primary_email"`
	ChatNumber   string `json:"chat_number"`
	DisplayName  string `json:"display_name"`
	Status       string `json:"status"`
	CreatedAt    int64  `json:"created_at"`
}

// Preferences holds per-user delivery settings. Missing rows fall back to
// DefaultPreferences.
type Preferences struct {
	UserID          string `json:"user_id"`
	Timezone        string `json:"timezone"`
	Tone            string `json:"tone"`
	DefaultAction   string `json:"default_action"`
	FallbackChannel string `json:"fallback_channel"`
	UpdatedAt       int64  `json:"updated_at"`
}

// DefaultPreferences returns the values used when a user has no
// preferences row.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:          userID,
		Timezone:        "UTC",
		Tone:            ToneFriendly,
		DefaultAction:   ActionRemind,
		FallbackChannel: ChannelEmail,
	}
}

// InboundMessage is one accepted webhook event. The idempotency key
// (user_id ":" provider_message_id) is UNIQUE forever; it is the
// authoritative dedup for provider redeliveries.
type InboundMessage struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	Channel           string `json:"channel"`
	ProviderMessageID string `json:"provider_message_id"`
	IdempotencyKey    string `json:"idempotency_key"`
	RawTextRedacted   string `json:"raw_text_redacted"`
	Status            string `json:"status"`
	ReceivedAt        int64  `json:"received_at"`
}

// IdempotencyKey computes the dedup key for a (user, provider message) pair.
func IdempotencyKey(userID, providerMessageID string) string {
	return userID + ":" + providerMessageID
}

// Task is one scheduled follow-up obligation. due_at is NULL exactly when
// status is needs_clarification.
type Task struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	SourceInboundID string `json:"source_inbound_id,omitempty"`
	DueAt           *int64 `json:"due_at,omitempty"`
	ActionType      string `json:"action_type"`
	ContactHint     string `json:"contact_hint"`
	Context         string `json:"context"`
	Status          string `json:"status"`
	AttemptCount    int    `json:"attempt_count"`
	LastAttemptAt   *int64 `json:"last_attempt_at,omitempty"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Payload is the outbound message body stored on an outbox row.
type Payload struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// OutboxMessage is one outbound delivery obligation. task_id is NULL for
// messages not tied to a task (clarification questions are tied; future
// message kinds may not be).
type OutboxMessage struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id,omitempty"`
	UserID      string `json:"user_id"`
	Channel     string `json:"channel"`
	PayloadJSON string `json:"payload"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	NextRetryAt int64  `json:"next_retry_at"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// DecodePayload unmarshals the stored payload JSON.
func (m *OutboxMessage) DecodePayload() (Payload, error) {
	var p Payload
	err := json.Unmarshal([]byte(m.PayloadJSON), &p)
	return p, err
}

// TaskEvent is one append-only audit record of a task transition.
type TaskEvent struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id"`
	EventType string `json:"event_type"`
	Payload   string `json:"payload"`
	CreatedAt int64  `json:"created_at"`
}
