package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertUser adds a user row. Provisioning is external to the pipeline;
// this exists for seed scripts and tests.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	if u.Status == "" {
		u.Status = "active"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, primary_email, chat_number, display_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.PrimaryEmail, u.ChatNumber, u.DisplayName, u.Status, u.CreatedAt,
	)
	return err
}

// GetUser retrieves a user by ID. Returns (nil, nil) when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, primary_email, chat_number, display_name, status, created_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// ResolveUser finds the user whose identifying column for the channel
// matches the sender address (primary_email for email, chat_number for
// chat). Returns (nil, nil) for unknown senders; ingress turns that into
// an ignored response.
func (s *Store) ResolveUser(ctx context.Context, channel, senderAddress string) (*User, error) {
	var column string
	switch channel {
	case ChannelEmail:
		column = "primary_email"
	case ChannelChat:
		column = "chat_number"
	default:
		return nil, fmt.Errorf("store: unknown channel %q", channel)
	}
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, primary_email, chat_number, display_name, status, created_at
		FROM users WHERE `+column+` = ? AND status = 'active'`, senderAddress)
	return scanUser(row)
}

// RecipientAddress returns the user's address on the given channel.
func RecipientAddress(u *User, channel string) string {
	if channel == ChannelChat {
		return u.ChatNumber
	}
	return u.PrimaryEmail
}

// GetPreferences returns the user's preferences, or DefaultPreferences
// when no row exists. Never returns (nil, nil).
func (s *Store) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT user_id, timezone, tone, default_action, fallback_channel, updated_at
		FROM preferences WHERE user_id = ?`, userID)

	var p Preferences
	err := row.Scan(&p.UserID, &p.Timezone, &p.Tone, &p.DefaultAction, &p.FallbackChannel, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan preferences: %w", err)
	}
	return &p, nil
}

// UpsertPreferences inserts or replaces the user's preferences row.
func (s *Store) UpsertPreferences(ctx context.Context, p *Preferences) error {
	p.UpdatedAt = time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO preferences (user_id, timezone, tone, default_action, fallback_channel, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			timezone = excluded.timezone,
			tone = excluded.tone,
			default_action = excluded.default_action,
			fallback_channel = excluded.fallback_channel,
			updated_at = excluded.updated_at`,
		p.UserID, p.Timezone, p.Tone, p.DefaultAction, p.FallbackChannel, p.UpdatedAt,
	)
	return err
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.PrimaryEmail, &u.ChatNumber, &u.DisplayName, &u.Status, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
