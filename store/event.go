package store

import (
	"context"
	"fmt"
	"time"
)

// AppendEvent writes one task event. Events are append-only; callers that
// must not fail on audit problems wrap this with the observability
// recorder, which logs and swallows errors.
func (s *Store) AppendEvent(ctx context.Context, e *TaskEvent) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO task_events (id, task_id, user_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.UserID, e.EventType, e.Payload, e.CreatedAt,
	)
	return err
}

// ListEventsByTask returns all events for a task in chronological order.
func (s *Store) ListEventsByTask(ctx context.Context, taskID string) ([]*TaskEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, task_id, user_id, event_type, payload, created_at
		FROM task_events WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*TaskEvent, 0)
	for rows.Next() {
		var e TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.UserID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// CountEventsByType returns how many events of each type exist for a task.
// Used by tests and the admin surface to assert pipeline history.
func (s *Store) CountEventsByType(ctx context.Context, taskID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM task_events WHERE task_id = ? GROUP BY event_type`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}
