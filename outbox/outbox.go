// Package outbox delivers queued outbound messages and owns the retry
// schedule.
//
// The sender claims batches of due rows, hands each to the channel registry
// and records the outcome: sent rows complete their task, failed attempts
// requeue with exponential backoff until the attempt budget runs out. A
// sweeper inside the same loop recovers claims orphaned by crashes, so no
// row or task stays stuck in an in-flight state forever.
//
// Delivery is at-least-once. A crash between a provider accepting a message
// and the sent mark landing means one duplicate send after recovery; the
// sender never loses a message to avoid a duplicate.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/relance/channels"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
)

// Config configures the sender.
type Config struct {
	// PollInterval is how often the loop claims a batch. Default: 5s.
	PollInterval time.Duration
	// BatchSize bounds one claim. Default: 20.
	BatchSize int
	// MaxAttempts is the delivery budget per row. Default: 5.
	MaxAttempts int
	// SchedulerTick scales the stuck-task sweep threshold. Default: 1 minute.
	SchedulerTick time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = time.Minute
	}
}

// Sender is the delivery loop.
type Sender struct {
	store    *store.Store
	queue    *vtq.Q
	registry channels.Registry
	rec      *observability.Recorder
	metrics  *observability.Metrics
	cfg      Config
	now      func() time.Time
	nudge    chan struct{}
	log      *slog.Logger
}

// New creates a Sender. queue is the execute queue; the sweeper re-publishes
// jobs for recovered tasks through it.
func New(st *store.Store, queue *vtq.Q, registry channels.Registry, rec *observability.Recorder, metrics *observability.Metrics, cfg Config, log *slog.Logger) *Sender {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		store:    st,
		queue:    queue,
		registry: registry,
		rec:      rec,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		nudge:    make(chan struct{}, 1),
		log:      log,
	}
}

// Nudge wakes the loop before the next poll period elapses. Safe to call
// from any goroutine; extra nudges while one is pending are dropped.
func (s *Sender) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. The first pass fires immediately. Passes
// run on the caller's goroutine, so a pass in progress suppresses the next
// firing instead of overlapping it.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
			s.Pass(ctx)
		case <-s.nudge:
			s.Pass(ctx)
		}
	}
}

// Pass drains everything currently claimable, one batch at a time. A short
// batch means the backlog is empty; requeued failures are not reclaimable
// until their backoff passes, so the drain terminates.
func (s *Sender) Pass(ctx context.Context) {
	for {
		claimed, err := s.store.ClaimQueuedOutbox(ctx, s.now().UnixMilli(), s.cfg.BatchSize)
		if err != nil {
			s.log.Error("outbox: claim failed", "error", err)
			return
		}
		for _, msg := range claimed {
			s.deliver(ctx, msg)
		}
		if len(claimed) < s.cfg.BatchSize {
			return
		}
	}
}

func (s *Sender) deliver(ctx context.Context, msg *store.OutboxMessage) {
	p, err := msg.DecodePayload()
	if err != nil {
		// An undecodable payload can never send. Burn its attempts through
		// the normal failure path so it retires visibly instead of looping.
		s.fail(ctx, msg, fmt.Errorf("decode payload: %w", err))
		return
	}

	s.metrics.Count(observability.MetricSendAttempts)
	err = s.registry.Send(ctx, msg.Channel, channels.Message{
		To:      p.To,
		Subject: p.Subject,
		Body:    p.Body,
	})
	if err != nil {
		s.metrics.Count(observability.MetricSendFailures)
		s.fail(ctx, msg, err)
		return
	}
	s.succeed(ctx, msg)
}

func (s *Sender) succeed(ctx context.Context, msg *store.OutboxMessage) {
	if err := s.store.MarkOutboxSent(ctx, msg.ID); err != nil {
		s.log.Error("outbox: mark sent failed", "outbox_id", msg.ID, "error", err)
		return
	}
	s.metrics.Count(observability.MetricOutboxSent)
	s.log.Info("outbox: delivered",
		"outbox_id", msg.ID, "task_id", msg.TaskID, "channel", msg.Channel,
		"attempts", msg.Attempts+1)

	if msg.TaskID == "" {
		return
	}
	s.rec.Record(ctx, msg.TaskID, msg.UserID, store.EventSent, &observability.SendPayload{
		OutboxID: msg.ID,
		Channel:  msg.Channel,
		Attempts: msg.Attempts + 1,
	})
	if err := s.store.MarkTaskDone(ctx, msg.TaskID); err != nil {
		// Clarification replies link to tasks that are not in sending;
		// their conflict is expected and the task stays where it is.
		if !errors.Is(err, store.ErrStateConflict) {
			s.log.Error("outbox: mark task done failed",
				"task_id", msg.TaskID, "error", err)
		}
		return
	}
	s.rec.Record(ctx, msg.TaskID, msg.UserID, store.EventDone, nil)
}

func (s *Sender) fail(ctx context.Context, msg *store.OutboxMessage, cause error) {
	attempts := msg.Attempts + 1

	if attempts >= s.cfg.MaxAttempts {
		if err := s.store.MarkOutboxFailed(ctx, msg.ID, attempts); err != nil {
			s.log.Error("outbox: mark failed failed", "outbox_id", msg.ID, "error", err)
			return
		}
		s.metrics.Count(observability.MetricOutboxFailed)
		s.log.Error("outbox: delivery abandoned",
			"outbox_id", msg.ID, "task_id", msg.TaskID, "attempts", attempts, "error", cause)

		if msg.TaskID == "" {
			return
		}
		if err := s.store.MarkTaskFailed(ctx, msg.TaskID); err != nil {
			if !errors.Is(err, store.ErrStateConflict) {
				s.log.Error("outbox: mark task failed failed",
					"task_id", msg.TaskID, "error", err)
			}
			return
		}
		s.rec.Record(ctx, msg.TaskID, msg.UserID, store.EventFailed, &observability.FailurePayload{
			Reason:   cause.Error(),
			Attempts: attempts,
		})
		return
	}

	delay := Backoff(attempts)
	next := s.now().Add(delay).UnixMilli()
	if err := s.store.RequeueOutbox(ctx, msg.ID, attempts, next); err != nil {
		s.log.Error("outbox: requeue failed", "outbox_id", msg.ID, "error", err)
		return
	}
	s.log.Warn("outbox: delivery failed, backing off",
		"outbox_id", msg.ID, "attempts", attempts, "retry_in", delay, "error", cause)
	if msg.TaskID != "" {
		s.rec.Record(ctx, msg.TaskID, msg.UserID, store.EventRetried, &observability.RetryPayload{
			Attempts:    attempts,
			NextRetryAt: next,
		})
	}
}
