package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertInbound persists an accepted webhook event. The idempotency key is
// derived from user and provider message IDs when unset. A UNIQUE collision
// becomes ErrDuplicateInbound: the event was already accepted, possibly by
// a concurrent ingress replica.
func (s *Store) InsertInbound(ctx context.Context, m *InboundMessage) error {
	if m.ReceivedAt == 0 {
		m.ReceivedAt = time.Now().UnixMilli()
	}
	if m.Status == "" {
		m.Status = InboundReceived
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = IdempotencyKey(m.UserID, m.ProviderMessageID)
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO inbound_messages (id, user_id, channel, provider_message_id,
		idempotency_key, raw_text_redacted, status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Channel, m.ProviderMessageID,
		m.IdempotencyKey, m.RawTextRedacted, m.Status, m.ReceivedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateInbound, m.IdempotencyKey)
	}
	return err
}

// GetInbound retrieves an inbound message by ID. Returns (nil, nil) when absent.
func (s *Store) GetInbound(ctx context.Context, id string) (*InboundMessage, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, channel, provider_message_id, idempotency_key,
		raw_text_redacted, status, received_at
		FROM inbound_messages WHERE id = ?`, id)
	return scanInbound(row)
}

// GetInboundByKey retrieves an inbound message by idempotency key.
// Returns (nil, nil) when absent. Ingress uses this as the dedup fast path
// before attempting the insert.
func (s *Store) GetInboundByKey(ctx context.Context, key string) (*InboundMessage, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, channel, provider_message_id, idempotency_key,
		raw_text_redacted, status, received_at
		FROM inbound_messages WHERE idempotency_key = ?`, key)
	return scanInbound(row)
}

// MarkInboundProcessed moves an inbound row from received to processed.
// Asserts the prior state so a replayed ingest job cannot double-process.
func (s *Store) MarkInboundProcessed(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE inbound_messages SET status = ? WHERE id = ? AND status = ?`,
		InboundProcessed, id, InboundReceived)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// RedactInboundOlderThan replaces raw_text_redacted with marker for every
// inbound message received before cutoff whose text is not already the
// marker. Returns the number of rows redacted. Idempotent.
func (s *Store) RedactInboundOlderThan(ctx context.Context, cutoff int64, marker string) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE inbound_messages SET raw_text_redacted = ?
		WHERE received_at < ? AND raw_text_redacted != ?`,
		marker, cutoff, marker)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountInbound returns the total number of inbound messages.
func (s *Store) CountInbound(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbound_messages`).Scan(&n)
	return n, err
}

func scanInbound(row *sql.Row) (*InboundMessage, error) {
	var m InboundMessage
	err := row.Scan(&m.ID, &m.UserID, &m.Channel, &m.ProviderMessageID,
		&m.IdempotencyKey, &m.RawTextRedacted, &m.Status, &m.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan inbound: %w", err)
	}
	return &m, nil
}
