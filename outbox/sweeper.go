package outbox

import (
	"context"

	"github.com/hazyhaar/relance/executor"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/store"
)

// stuckFactor scales the poll period (for outbox rows) and the scheduler
// tick (for tasks) into the "this claim is orphaned" threshold. Ten periods
// is far beyond any healthy in-flight time, so the sweeper only ever touches
// work whose owner died.
const stuckFactor = 10

// Sweep recovers claims orphaned by a crash. It runs inside the sender loop
// once per poll period; each sweep is a handful of indexed statements.
func (s *Sender) Sweep(ctx context.Context) {
	now := s.now().UnixMilli()

	// Outbox rows claimed but never resolved.
	cutoff := now - (stuckFactor * s.cfg.PollInterval).Milliseconds()
	n, err := s.store.RequeueStuckSending(ctx, cutoff)
	if err != nil {
		s.log.Error("outbox: requeue stuck sending failed", "error", err)
	} else if n > 0 {
		s.log.Warn("outbox: requeued stuck sending rows", "count", n)
	}

	taskCutoff := now - (stuckFactor * s.cfg.SchedulerTick).Milliseconds()

	// Tasks whose executor died mid-flight. Back to due, fresh execute job.
	tasks, err := s.store.RequeueStuckExecuting(ctx, taskCutoff)
	if err != nil {
		s.log.Error("outbox: requeue stuck executing failed", "error", err)
	}
	for _, t := range tasks {
		s.rec.Record(ctx, t.ID, t.UserID, store.EventRetried, &observability.RetryPayload{
			Attempts: t.AttemptCount,
			By:       "sweeper",
		})
		if err := executor.Enqueue(ctx, s.queue, t.ID); err != nil {
			// Still in due; the stuck-due sweep below picks it up next time.
			s.log.Error("outbox: re-enqueue recovered task failed",
				"task_id", t.ID, "error", err)
		}
	}
	if len(tasks) > 0 {
		s.log.Warn("outbox: recovered stuck executing tasks", "count", len(tasks))
	}

	// Tasks parked in due with no queue job, from a crash between the
	// scheduler's claim and its publish. Publishing under the stable
	// identity no-ops when the job still exists, so this is safe to run
	// blindly.
	stuck, err := s.store.StuckDueTasks(ctx, taskCutoff, 100)
	if err != nil {
		s.log.Error("outbox: stuck due lookup failed", "error", err)
		return
	}
	for _, t := range stuck {
		if err := executor.Enqueue(ctx, s.queue, t.ID); err != nil {
			s.log.Error("outbox: re-publish due task failed",
				"task_id", t.ID, "error", err)
		}
	}
}
