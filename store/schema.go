package store

import "database/sql"

// Schema is the complete pipeline schema. All timestamps are Unix
// milliseconds UTC. Status and enum columns are TEXT; the store methods
// are the only writers, so no CHECK constraints are needed.
const Schema = `
-- Recipients. Provisioned externally; the pipeline only reads them.
CREATE TABLE IF NOT EXISTS users (
    id            TEXT PRIMARY KEY,
    primary_email TEXT NOT NULL DEFAULT '',
    chat_number   TEXT NOT NULL DEFAULT '',
    display_name  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'active',
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(primary_email);
CREATE INDEX IF NOT EXISTS idx_users_chat ON users(chat_number);

-- Per-user delivery settings, one row per user.
CREATE TABLE IF NOT EXISTS preferences (
    user_id          TEXT PRIMARY KEY REFERENCES users(id),
    timezone         TEXT NOT NULL DEFAULT 'UTC',
    tone             TEXT NOT NULL DEFAULT 'friendly',
    default_action   TEXT NOT NULL DEFAULT 'remind',
    fallback_channel TEXT NOT NULL DEFAULT 'email',
    updated_at       INTEGER NOT NULL
);

-- Accepted webhook events. idempotency_key = user_id ':' provider_message_id
-- is the authoritative dedup; the UNIQUE index holds forever.
CREATE TABLE IF NOT EXISTS inbound_messages (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL REFERENCES users(id),
    channel             TEXT NOT NULL,
    provider_message_id TEXT NOT NULL,
    idempotency_key     TEXT NOT NULL UNIQUE,
    raw_text_redacted   TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'received',
    received_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inbound_user ON inbound_messages(user_id, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_inbound_retention ON inbound_messages(received_at);

-- Follow-up tasks. due_at IS NULL exactly when status = 'needs_clarification'.
-- source_inbound_id UNIQUE: at most one task per inbound message.
CREATE TABLE IF NOT EXISTS tasks (
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL REFERENCES users(id),
    source_inbound_id TEXT UNIQUE REFERENCES inbound_messages(id),
    due_at            INTEGER,
    action_type       TEXT NOT NULL DEFAULT 'remind',
    contact_hint      TEXT NOT NULL DEFAULT '',
    context           TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'pending',
    attempt_count     INTEGER NOT NULL DEFAULT 0,
    last_attempt_at   INTEGER,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, due_at);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, created_at DESC);

-- Transactional outbox. Rows in 'sending' are owned by exactly one claim.
CREATE TABLE IF NOT EXISTS outbox_messages (
    id            TEXT PRIMARY KEY,
    task_id       TEXT REFERENCES tasks(id),
    user_id       TEXT NOT NULL REFERENCES users(id),
    channel       TEXT NOT NULL,
    payload       TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL DEFAULT 'queued',
    attempts      INTEGER NOT NULL DEFAULT 0,
    next_retry_at INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_claim ON outbox_messages(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_outbox_task ON outbox_messages(task_id);

-- Append-only audit trail of task transitions.
CREATE TABLE IF NOT EXISTS task_events (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_task ON task_events(task_id, created_at);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
