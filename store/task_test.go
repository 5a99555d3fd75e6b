package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedInbound(t *testing.T, s *Store, id, userID string) *InboundMessage {
	t.Helper()
	m := &InboundMessage{ID: id, UserID: userID, Channel: ChannelEmail, ProviderMessageID: "pm-" + id}
	if err := s.InsertInbound(context.Background(), m); err != nil {
		t.Fatalf("seed inbound: %v", err)
	}
	return m
}

func pendingTask(id, userID string, dueAt int64) *Task {
	return &Task{
		ID:          id,
		UserID:      userID,
		DueAt:       &dueAt,
		ActionType:  ActionRemind,
		ContactHint: "jordan",
		Context:     "contract renewal",
		Status:      TaskPending,
	}
}

func TestCreateTask_InboundAnchor(t *testing.T) {
	// WHAT: A second task for the same inbound message is rejected.
	// WHY: source_inbound_id is the idempotence anchor for replayed
	// ingest jobs.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")
	seedInbound(t, s, "inb_1", "usr_1")

	due := time.Now().UnixMilli()
	first := pendingTask("tsk_1", "usr_1", due)
	first.SourceInboundID = "inb_1"
	if err := s.CreateTask(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := pendingTask("tsk_2", "usr_1", due)
	second.SourceInboundID = "inb_1"
	if err := s.CreateTask(ctx, second); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate create: got %v, want ErrDuplicateTask", err)
	}

	got, err := s.GetTaskByInbound(ctx, "inb_1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "tsk_1" {
		t.Fatalf("anchor lookup: %+v", got)
	}
}

func TestCreateTask_NeedsClarificationHasNilDue(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")

	task := &Task{ID: "tsk_1", UserID: "usr_1", Status: TaskNeedsClarification}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTask(ctx, "tsk_1")
	if got.DueAt != nil {
		t.Fatalf("due_at should be nil, got %v", *got.DueAt)
	}
	if got.Status != TaskNeedsClarification {
		t.Fatalf("status: %q", got.Status)
	}
}

func TestClaimDueTasks_OrderAndLimit(t *testing.T) {
	// WHAT: Claims take the oldest due tasks first and respect the batch
	// bound; claimed rows flip to 'due' so a second claim skips them.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")

	now := time.Now().UnixMilli()
	for i, due := range []int64{now - 3000, now - 2000, now - 1000, now + 60_000} {
		task := pendingTask(taskID(i), "usr_1", due)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := s.ClaimDueTasks(ctx, now, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	if claimed[0].ID != "tsk_0" || claimed[1].ID != "tsk_1" {
		t.Fatalf("claim order: %s, %s", claimed[0].ID, claimed[1].ID)
	}
	for _, c := range claimed {
		if c.Status != TaskDue {
			t.Fatalf("claimed status: %q", c.Status)
		}
	}

	// Second claim picks up the remaining past-due task only.
	claimed, err = s.ClaimDueTasks(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != "tsk_2" {
		t.Fatalf("second claim: %+v", claimed)
	}

	// Third claim finds nothing: the future task is not due.
	claimed, err = s.ClaimDueTasks(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("third claim: %d rows", len(claimed))
	}
	if claimed == nil {
		t.Fatal("empty claim must be non-nil")
	}
}

func TestClaimDueTasks_SkipsClarification(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")

	task := &Task{ID: "tsk_c", UserID: "usr_1", Status: TaskNeedsClarification}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	claimed, err := s.ClaimDueTasks(ctx, time.Now().UnixMilli(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 0 {
		t.Fatalf("clarification task claimed: %+v", claimed)
	}
}

func TestTaskTransitions(t *testing.T) {
	// WHAT: Walk the happy path due → executing → sending → done and
	// verify each step asserts its prior state.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")

	now := time.Now().UnixMilli()
	task := pendingTask("tsk_1", "usr_1", now-1000)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	// executing before claim: task is still pending.
	if err := s.BeginTaskExecution(ctx, "tsk_1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("premature execution: got %v", err)
	}

	if _, err := s.ClaimDueTasks(ctx, now, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginTaskExecution(ctx, "tsk_1"); err != nil {
		t.Fatalf("begin execution: %v", err)
	}

	got, _ := s.GetTask(ctx, "tsk_1")
	if got.Status != TaskExecuting || got.AttemptCount != 1 || got.LastAttemptAt == nil {
		t.Fatalf("after begin: %+v", got)
	}

	// Replay of the execute job: state assertion rejects it.
	if err := s.BeginTaskExecution(ctx, "tsk_1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("replayed execution: got %v", err)
	}

	if err := s.MarkTaskSending(ctx, "tsk_1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkTaskDone(ctx, "tsk_1"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTask(ctx, "tsk_1")
	if got.Status != TaskDone {
		t.Fatalf("final status: %q", got.Status)
	}

	// done is terminal: no further transitions are accepted.
	if err := s.MarkTaskFailed(ctx, "tsk_1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("transition out of done: got %v", err)
	}
}

func TestRetryTask(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")

	now := time.Now().UnixMilli()
	task := pendingTask("tsk_1", "usr_1", now-1000)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	s.ClaimDueTasks(ctx, now, 10)
	s.BeginTaskExecution(ctx, "tsk_1")
	s.MarkTaskSending(ctx, "tsk_1")
	s.MarkTaskFailed(ctx, "tsk_1")

	// Retry is only legal from failed.
	if err := s.RetryTask(ctx, "tsk_1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := s.GetTask(ctx, "tsk_1")
	if got.Status != TaskDue || got.AttemptCount != 0 {
		t.Fatalf("after retry: %+v", got)
	}

	// Second retry: task is no longer failed.
	if err := s.RetryTask(ctx, "tsk_1"); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("double retry: got %v", err)
	}
}

func TestRequeueStuckExecuting(t *testing.T) {
	// WHAT: Tasks abandoned in 'executing' roll back to 'due' once their
	// updated_at crosses the cutoff.
	// WHY: An executor crash between claim and completion must not strand
	// the task forever.
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")

	now := time.Now().UnixMilli()
	task := pendingTask("tsk_1", "usr_1", now-5000)
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	s.ClaimDueTasks(ctx, now, 10)
	s.BeginTaskExecution(ctx, "tsk_1")

	// Cutoff in the past: nothing is stuck yet.
	requeued, err := s.RequeueStuckExecuting(ctx, now-60_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 0 {
		t.Fatalf("premature requeue: %+v", requeued)
	}

	// Cutoff in the future covers the row.
	requeued, err = s.RequeueStuckExecuting(ctx, time.Now().UnixMilli()+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 1 || requeued[0].ID != "tsk_1" {
		t.Fatalf("requeue: %+v", requeued)
	}
	got, _ := s.GetTask(ctx, "tsk_1")
	if got.Status != TaskDue {
		t.Fatalf("status after requeue: %q", got.Status)
	}
}

func TestListTasksByStatus(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	seedUser(t, s, "usr_1")

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		task := pendingTask(taskID(i), "usr_1", now+int64(i))
		task.CreatedAt = now + int64(i)
		task.UpdatedAt = task.CreatedAt
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListTasksByStatus(ctx, TaskPending, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("listed %d, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "tsk_2" {
		t.Fatalf("order: first is %s", got[0].ID)
	}
}

func taskID(i int) string {
	return "tsk_" + string(rune('0'+i))
}
