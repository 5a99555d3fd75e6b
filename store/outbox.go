package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const outboxColumns = `id, task_id, user_id, channel, payload, status,
	attempts, next_retry_at, created_at, updated_at`

// CreateOutbox inserts a delivery obligation. next_retry_at defaults to
// creation time so the row is immediately claimable.
func (s *Store) CreateOutbox(ctx context.Context, m *OutboxMessage, p Payload) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.UpdatedAt == 0 {
		m.UpdatedAt = now
	}
	if m.NextRetryAt == 0 {
		m.NextRetryAt = now
	}
	if m.Status == "" {
		m.Status = OutboxQueued
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	m.PayloadJSON = string(payload)

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO outbox_messages (id, task_id, user_id, channel, payload,
		status, attempts, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, nullString(m.TaskID), m.UserID, m.Channel, m.PayloadJSON,
		m.Status, m.Attempts, m.NextRetryAt, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// GetOutbox retrieves an outbox row by ID. Returns (nil, nil) when absent.
func (s *Store) GetOutbox(ctx context.Context, id string) (*OutboxMessage, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`, id)
	return scanOutbox(row)
}

// GetOutboxByTask returns all outbox rows linked to a task, oldest first.
func (s *Store) GetOutboxByTask(ctx context.Context, taskID string) ([]*OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

// ClaimQueuedOutbox atomically moves up to limit queued rows whose
// next_retry_at has passed into 'sending', ordered by next_retry_at
// ascending, and returns the claimed rows. Same exclusivity shape as
// ClaimDueTasks: one statement, one owner per row. The claim is the only
// producer of the 'sending' state.
func (s *Store) ClaimQueuedOutbox(ctx context.Context, now int64, limit int) ([]*OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx,
		`UPDATE outbox_messages SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = ? AND next_retry_at <= ?
			ORDER BY next_retry_at ASC
			LIMIT ?
		)
		RETURNING `+outboxColumns,
		OutboxSending, now, OutboxQueued, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}

// MarkOutboxSent finalises a successful delivery: sending → sent,
// attempts incremented.
func (s *Store) MarkOutboxSent(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outbox_messages SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		OutboxSent, time.Now().UnixMilli(), id, OutboxSending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// RequeueOutbox schedules a failed attempt for retry: sending → queued with
// the caller-computed attempt count and next retry time.
func (s *Store) RequeueOutbox(ctx context.Context, id string, attempts int, nextRetryAt int64) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outbox_messages SET status = ?, attempts = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		OutboxQueued, attempts, nextRetryAt, time.Now().UnixMilli(), id, OutboxSending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkOutboxFailed terminates a row that exhausted its attempts:
// sending → failed.
func (s *Store) MarkOutboxFailed(ctx context.Context, id string, attempts int) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outbox_messages SET status = ?, attempts = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		OutboxFailed, attempts, time.Now().UnixMilli(), id, OutboxSending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// RetryOutbox resets a failed row for a fresh delivery cycle: failed →
// queued, attempts zeroed, retryable immediately. Only the admin surface
// calls this.
func (s *Store) RetryOutbox(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outbox_messages SET status = ?, attempts = 0, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		OutboxQueued, now, now, id, OutboxFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// ListOutboxByStatus returns up to limit outbox rows in the given status,
// newest first.
func (s *Store) ListOutboxByStatus(ctx context.Context, status string, limit int) ([]*OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE status = ?
		ORDER BY created_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOutbox(rows)
}

// RequeueStuckSending returns rows stuck in 'sending' since before cutoff
// to 'queued' and reports how many were recovered. Covers sender crashes
// between claiming a row and recording the outcome. The re-queued rows are
// immediately claimable; attempts are not incremented because the outcome
// of the interrupted send is unknown.
func (s *Store) RequeueStuckSending(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outbox_messages SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?`,
		OutboxQueued, time.Now().UnixMilli(), OutboxSending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck outbox: %w", err)
	}
	return res.RowsAffected()
}

func scanOutbox(row *sql.Row) (*OutboxMessage, error) {
	var m OutboxMessage
	var taskID sql.NullString
	err := row.Scan(&m.ID, &taskID, &m.UserID, &m.Channel, &m.PayloadJSON,
		&m.Status, &m.Attempts, &m.NextRetryAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	m.TaskID = taskID.String
	return &m, nil
}

func collectOutbox(rows *sql.Rows) ([]*OutboxMessage, error) {
	out := make([]*OutboxMessage, 0)
	for rows.Next() {
		var m OutboxMessage
		var taskID sql.NullString
		err := rows.Scan(&m.ID, &taskID, &m.UserID, &m.Channel, &m.PayloadJSON,
			&m.Status, &m.Attempts, &m.NextRetryAt, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		m.TaskID = taskID.String
		out = append(out, &m)
	}
	return out, rows.Err()
}
