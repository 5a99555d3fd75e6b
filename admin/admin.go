// Package admin is the operator surface: triage of failed work, retries,
// retention redaction and pipeline introspection. The same operations are
// served over authenticated HTTP and as MCP tools on the same listener.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/relance/executor"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/redact"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
)

// Sentinel errors the transport layers map onto HTTP statuses and tool
// errors.
var (
	ErrNotFound   = errors.New("admin: not found")
	ErrConflict   = errors.New("admin: row not in a retriable state")
	ErrBadRequest = errors.New("admin: invalid request")
)

// Config configures the admin service.
type Config struct {
	// Token guards the HTTP surface: either a bcrypt hash of the bearer
	// token or the plaintext token itself. Empty disables auth (dev mode).
	Token string
	// RetentionDays is the redaction age for inbound text. Default: 60.
	RetentionDays int
	// SweepInterval runs the retention sweep periodically. 0 disables the
	// loop; the sweep operation stays available on demand.
	SweepInterval time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 60
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Service implements the admin operations over the store and queues.
type Service struct {
	store    *store.Store
	ingestQ  *vtq.Q
	executeQ *vtq.Q
	metrics  *observability.Metrics
	rec      *observability.Recorder
	cfg      Config
	now      func() time.Time
	log      *slog.Logger
}

// New creates the admin service. ingestQ and executeQ are only read (backlog
// depth) except for retry publishes on executeQ.
func New(st *store.Store, ingestQ, executeQ *vtq.Q, metrics *observability.Metrics, rec *observability.Recorder, cfg Config) *Service {
	cfg.defaults()
	return &Service{
		store:    st,
		ingestQ:  ingestQ,
		executeQ: executeQ,
		metrics:  metrics,
		rec:      rec,
		cfg:      cfg,
		now:      time.Now,
		log:      cfg.Logger,
	}
}

// TaskDetail is the full operator view of one task.
type TaskDetail struct {
	Task   *store.Task            `json:"task"`
	Events []*store.TaskEvent     `json:"events"`
	Outbox []*store.OutboxMessage `json:"outbox"`
}

// Snapshot is the pipeline health view: counter totals over the window,
// queue backlog depths and task counts per status.
type Snapshot struct {
	Window  string             `json:"window"`
	Totals  map[string]float64 `json:"totals"`
	Backlog map[string]int     `json:"backlog"`
	Tasks   map[string]int     `json:"tasks_by_status"`
}

// ListTasks returns up to limit tasks in the given status, newest first.
// Empty status means failed, the triage default.
func (s *Service) ListTasks(ctx context.Context, status string, limit int) ([]*store.Task, error) {
	if status == "" {
		status = store.TaskFailed
	}
	if !store.ValidTaskStatus(status) {
		return nil, fmt.Errorf("%w: unknown task status %q", ErrBadRequest, status)
	}
	return s.store.ListTasksByStatus(ctx, status, clampLimit(limit))
}

// GetTaskDetail returns a task with its events and outbox rows.
func (s *Service) GetTaskDetail(ctx context.Context, id string) (*TaskDetail, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	events, err := s.store.ListEventsByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	outbox, err := s.store.GetOutboxByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TaskDetail{Task: task, Events: events, Outbox: outbox}, nil
}

// TaskEvents returns the task's audit trail.
func (s *Service) TaskEvents(ctx context.Context, id string) ([]*store.TaskEvent, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return s.store.ListEventsByTask(ctx, id)
}

// RetryTask resets a failed task for a fresh execution cycle: status back to
// due, attempts zeroed, execute job published under a fresh identity so the
// queue accepts it even though the original job was consumed. Returns the
// updated task.
func (s *Service) RetryTask(ctx context.Context, id string) (*store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	if err := s.store.RetryTask(ctx, id); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, fmt.Errorf("%w: task %s is %s, only failed tasks retry", ErrConflict, id, task.Status)
		}
		return nil, err
	}
	// A publish failure here leaves the task in due without a job; the
	// sender's stuck-due sweep re-publishes it.
	if err := executor.EnqueueRetry(ctx, s.executeQ, id, s.now()); err != nil {
		return nil, fmt.Errorf("enqueue retry for task %s: %w", id, err)
	}
	s.rec.Record(ctx, id, task.UserID, store.EventRetried, &observability.RetryPayload{By: "admin"})
	s.log.Info("admin: task retried", "task_id", id)
	return s.store.GetTask(ctx, id)
}

// ListOutbox returns up to limit outbox rows in the given status, newest
// first. Empty status means failed.
func (s *Service) ListOutbox(ctx context.Context, status string, limit int) ([]*store.OutboxMessage, error) {
	if status == "" {
		status = store.OutboxFailed
	}
	if !store.ValidOutboxStatus(status) {
		return nil, fmt.Errorf("%w: unknown outbox status %q", ErrBadRequest, status)
	}
	return s.store.ListOutboxByStatus(ctx, status, clampLimit(limit))
}

// RetryOutbox resets a failed outbox row for immediate redelivery of the
// same payload. The linked task is left alone: re-executing it is RetryTask's
// job, and a task past sending will simply keep its state when this row
// eventually sends.
func (s *Service) RetryOutbox(ctx context.Context, id string) (*store.OutboxMessage, error) {
	msg, err := s.store.GetOutbox(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: outbox %s", ErrNotFound, id)
	}
	if err := s.store.RetryOutbox(ctx, id); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, fmt.Errorf("%w: outbox %s is %s, only failed rows retry", ErrConflict, id, msg.Status)
		}
		return nil, err
	}
	if msg.TaskID != "" {
		s.rec.Record(ctx, msg.TaskID, msg.UserID, store.EventRetried, &observability.RetryPayload{By: "admin"})
	}
	s.log.Info("admin: outbox retried", "outbox_id", id)
	return s.store.GetOutbox(ctx, id)
}

// SweepRetention redacts inbound text older than the retention window and
// prunes expired metrics. Returns how many inbound rows were redacted.
func (s *Service) SweepRetention(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays).UnixMilli()
	n, err := s.store.RedactInboundOlderThan(ctx, cutoff, redact.RetentionMarker)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		s.log.Info("admin: retention sweep redacted inbound rows",
			"count", n, "days", s.cfg.RetentionDays)
	}
	if _, err := s.metrics.Cleanup(ctx, s.cfg.RetentionDays); err != nil {
		s.log.Warn("admin: metrics cleanup failed", "error", err)
	}
	return n, nil
}

// RunRetention sweeps on a ticker until ctx is cancelled. Returns
// immediately when no interval is configured.
func (s *Service) RunRetention(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepRetention(ctx); err != nil {
				s.log.Error("admin: retention sweep failed", "error", err)
			}
		}
	}
}

// PipelineSnapshot reports counter totals for the last 24 hours, queue
// depths and task counts by status.
func (s *Service) PipelineSnapshot(ctx context.Context) (*Snapshot, error) {
	totals, err := s.metrics.Totals(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	ingestLen, err := s.ingestQ.Len(ctx)
	if err != nil {
		return nil, err
	}
	executeLen, err := s.executeQ.Len(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Window:  "24h",
		Totals:  totals,
		Backlog: map[string]int{"ingest": ingestLen, "execute": executeLen},
		Tasks:   tasks,
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
