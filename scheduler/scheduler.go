// Package scheduler promotes pending tasks whose due time has passed and
// publishes their execute jobs.
//
// One atomic claim statement moves a batch from pending to due, so a task is
// promoted by exactly one scheduler call even with several replicas ticking
// against the same store. Missed ticks self-heal: the next tick claims
// everything still pending and past due.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/relance/executor"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
)

// Config configures the scheduler.
type Config struct {
	// Tick is the claim interval. Default: 1 minute.
	Tick time.Duration
	// BatchSize bounds how many tasks one tick claims. Excess waits for the
	// next tick. Default: 100.
	BatchSize int
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Scheduler periodically claims due tasks and hands them to the executor
// queue.
type Scheduler struct {
	store   *store.Store
	queue   *vtq.Q
	rec     *observability.Recorder
	metrics *observability.Metrics
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

// New creates a Scheduler.
func New(st *store.Store, queue *vtq.Q, rec *observability.Recorder, metrics *observability.Metrics, cfg Config, log *slog.Logger) *Scheduler {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:   st,
		queue:   queue,
		rec:     rec,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately. Ticks
// run on the caller's goroutine, so one in progress suppresses the next
// firing instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick claims one batch of due tasks and enqueues their execute jobs.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UnixMilli()
	tasks, err := s.store.ClaimDueTasks(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("scheduler: claim due tasks failed", "error", err)
		return
	}

	for _, t := range tasks {
		s.rec.Record(ctx, t.ID, t.UserID, store.EventDue, nil)
		if err := executor.Enqueue(ctx, s.queue, t.ID); err != nil {
			// The task stays in due with no queue job; the sweeper
			// re-publishes it once it has sat there past the stuck
			// threshold.
			s.log.Error("scheduler: enqueue execute job failed",
				"task_id", t.ID, "error", err)
			continue
		}
		s.metrics.Count(observability.MetricTasksDue)
	}

	if len(tasks) > 0 {
		s.log.Info("scheduler: tasks promoted", "count", len(tasks))
	}
}
