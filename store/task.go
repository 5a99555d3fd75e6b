package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, user_id, source_inbound_id, due_at, action_type,
	contact_hint, context, status, attempt_count, last_attempt_at, created_at, updated_at`

// CreateTask inserts a new task. A UNIQUE collision on source_inbound_id
// becomes ErrDuplicateTask: a replayed ingest job already created the task
// for this inbound message.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = now
	}
	if t.ActionType == "" {
		t.ActionType = ActionRemind
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, source_inbound_id, due_at, action_type,
		contact_hint, context, status, attempt_count, last_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, nullString(t.SourceInboundID), t.DueAt, t.ActionType,
		t.ContactHint, t.Context, t.Status, t.AttemptCount, t.LastAttemptAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: inbound %s", ErrDuplicateTask, t.SourceInboundID)
	}
	return err
}

// GetTask retrieves a task by ID. Returns (nil, nil) when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByInbound retrieves the task anchored to an inbound message.
// Returns (nil, nil) when absent.
func (s *Store) GetTaskByInbound(ctx context.Context, inboundID string) (*Task, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE source_inbound_id = ?`, inboundID)
	return scanTask(row)
}

// ClaimDueTasks atomically moves up to limit pending tasks whose due_at has
// passed into 'due', ordered by due_at ascending, and returns the claimed
// rows. The single-statement UPDATE ... WHERE id IN (SELECT ... LIMIT)
// RETURNING means a row is handed to exactly one caller across all
// scheduler replicas: a second concurrent claim no longer sees the row as
// pending. Returns a non-nil empty slice when nothing is due.
func (s *Store) ClaimDueTasks(ctx context.Context, now int64, limit int) ([]*Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = ? AND due_at IS NOT NULL AND due_at <= ?
			ORDER BY due_at ASC
			LIMIT ?
		)
		RETURNING `+taskColumns,
		TaskDue, now, TaskPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// BeginTaskExecution moves a task from due to executing, stamping the
// attempt. Returns ErrStateConflict when the task is not in 'due'; the
// executor treats that as a replayed job and no-ops.
func (s *Store) BeginTaskExecution(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempt_count = attempt_count + 1,
		last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskExecuting, now, now, id, TaskDue)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkTaskSending moves a task from executing to sending after its outbox
// row is created.
func (s *Store) MarkTaskSending(ctx context.Context, id string) error {
	return s.transition(ctx, id, TaskExecuting, TaskSending)
}

// MarkTaskDone moves a task from sending to done on first successful send.
func (s *Store) MarkTaskDone(ctx context.Context, id string) error {
	return s.transition(ctx, id, TaskSending, TaskDone)
}

// MarkTaskFailed moves a task from sending to failed when its outbox row
// exhausts delivery attempts.
func (s *Store) MarkTaskFailed(ctx context.Context, id string) error {
	return s.transition(ctx, id, TaskSending, TaskFailed)
}

// RetryTask moves a failed task back to due and resets its attempt count.
// Only the admin surface calls this.
func (s *Store) RetryTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempt_count = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		TaskDue, time.Now().UnixMilli(), id, TaskFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

// CountTasksByStatus returns task counts grouped by status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListTasksByStatus returns up to limit tasks in the given status, newest
// first.
func (s *Store) ListTasksByStatus(ctx context.Context, status string, limit int) ([]*Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ?
		ORDER BY created_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// StuckDueTasks returns tasks sitting in 'due' since before cutoff. A task
// strands there when the process dies between claiming it and publishing its
// execute job; re-publishing under the same identity is harmless when the
// job still exists, so the sweeper calls this blindly.
func (s *Store) StuckDueTasks(ctx context.Context, cutoff int64, limit int) ([]*Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND updated_at <= ?
		ORDER BY updated_at ASC LIMIT ?`,
		TaskDue, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stuck due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RequeueStuckExecuting returns tasks stuck in 'executing' since before
// cutoff to 'due' and reports them so the caller can re-enqueue their
// execute jobs. Covers executor crashes between claiming a job and
// finishing step 6.
func (s *Store) RequeueStuckExecuting(ctx context.Context, cutoff int64) ([]*Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?
		RETURNING `+taskColumns,
		TaskDue, time.Now().UnixMilli(), TaskExecuting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("requeue stuck tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) transition(ctx context.Context, id, from, to string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UnixMilli(), id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateConflict
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var inbound sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &inbound, &t.DueAt, &t.ActionType,
		&t.ContactHint, &t.Context, &t.Status, &t.AttemptCount, &t.LastAttemptAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.SourceInboundID = inbound.String
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	tasks := make([]*Task, 0)
	for rows.Next() {
		var t Task
		var inbound sql.NullString
		err := rows.Scan(&t.ID, &t.UserID, &inbound, &t.DueAt, &t.ActionType,
			&t.ContactHint, &t.Context, &t.Status, &t.AttemptCount, &t.LastAttemptAt,
			&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.SourceInboundID = inbound.String
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}
