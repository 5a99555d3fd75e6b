// Package ingest consumes accepted inbound messages and turns each one into
// a task: extraction, scheduling or clarification, and the acknowledgement
// message back to the user. Jobs replay at-least-once; the task's UNIQUE
// anchor on its inbound message keeps replays from duplicating work.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/relance/extractor"
	"github.com/hazyhaar/relance/idgen"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/redact"
	"github.com/hazyhaar/relance/store"
)

// Queue is the vtq queue name ingress publishes to.
const Queue = "ingest"

// Job is the queue payload. Identity is the inbound idempotency key.
type Job struct {
	InboundID string `json:"inbound_id"`
	UserID    string `json:"user_id"`
}

// Worker processes ingest jobs.
type Worker struct {
	store     *store.Store
	extract   extractor.Extractor
	rec       *observability.Recorder
	metrics   *observability.Metrics
	newTaskID idgen.Generator
	newObxID  idgen.Generator
	now       func() time.Time
	log       *slog.Logger
}

// New creates an ingest worker.
func New(st *store.Store, ext extractor.Extractor, rec *observability.Recorder, metrics *observability.Metrics, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:     st,
		extract:   ext,
		rec:       rec,
		metrics:   metrics,
		newTaskID: idgen.Prefixed("tsk_", idgen.Default),
		newObxID:  idgen.Prefixed("obx_", idgen.Default),
		now:       time.Now,
		log:       log,
	}
}

// Handle is the vtq handler. A nil return acks the job; an error returns it
// to the queue for redelivery. Every store failure is an error on purpose:
// the six-step sequence either completes or replays.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		w.log.Error("ingest: undecodable job dropped", "error", err)
		return nil
	}

	inbound, err := w.store.GetInbound(ctx, job.InboundID)
	if err != nil {
		return fmt.Errorf("load inbound %s: %w", job.InboundID, err)
	}
	if inbound == nil || inbound.Status == store.InboundProcessed {
		return nil
	}

	user, err := w.store.GetUser(ctx, inbound.UserID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", inbound.UserID, err)
	}
	if user == nil {
		w.log.Warn("ingest: inbound message for vanished user", "inbound_id", inbound.ID, "user_id", inbound.UserID)
		return nil
	}
	prefs, err := w.store.GetPreferences(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	// Replay guard: a task anchored to this inbound means a previous run
	// got at least as far as task creation. Settle the processed flag and
	// stop; the task is the durable obligation.
	if prior, err := w.store.GetTaskByInbound(ctx, inbound.ID); err != nil {
		return fmt.Errorf("replay check: %w", err)
	} else if prior != nil {
		return w.store.MarkInboundProcessed(ctx, inbound.ID)
	}

	safeText := redact.Text(inbound.RawTextRedacted)
	result := w.runExtractor(ctx, safeText, prefs.Timezone)

	if result.NeedsClarification {
		if err := w.createClarificationTask(ctx, inbound, user, prefs, result); err != nil {
			return err
		}
	} else {
		if err := w.createScheduledTask(ctx, inbound, user, prefs, result); err != nil {
			return err
		}
	}

	return w.store.MarkInboundProcessed(ctx, inbound.ID)
}

// runExtractor calls the extractor and degrades failures to a synthesized
// clarification so a broken model never stalls intake.
func (w *Worker) runExtractor(ctx context.Context, text, timezone string) *extractor.Result {
	w.metrics.Count(observability.MetricExtractorCalls)
	result, err := w.extract.Extract(ctx, extractor.Input{
		Text:     text,
		Timezone: timezone,
		Now:      w.now().UTC(),
	})
	if err != nil {
		w.metrics.Count(observability.MetricExtractorFailures)
		w.log.Warn("ingest: extraction failed, asking for clarification", "error", err)
		return &extractor.Result{
			NeedsClarification: true,
			ClarifyingQuestion: extractor.FallbackQuestion,
		}
	}
	return result
}

func (w *Worker) createClarificationTask(ctx context.Context, inbound *store.InboundMessage, user *store.User, prefs *store.Preferences, result *extractor.Result) error {
	task := &store.Task{
		ID:              w.newTaskID(),
		UserID:          user.ID,
		SourceInboundID: inbound.ID,
		ActionType:      prefs.DefaultAction,
		ContactHint:     result.ContactHint,
		Context:         result.Context,
		Status:          store.TaskNeedsClarification,
	}
	created, err := w.createTask(ctx, task, inbound)
	if err != nil || !created {
		return err
	}

	w.rec.Record(ctx, task.ID, user.ID, store.EventCreated,
		observability.CreatedPayload{ActionType: task.ActionType})
	w.rec.Record(ctx, task.ID, user.ID, store.EventClarificationSent,
		observability.ClarificationPayload{Question: result.ClarifyingQuestion})

	return w.queueReply(ctx, task, user, inbound.Channel, store.Payload{
		Subject: "Quick question about your follow-up",
		Body:    result.ClarifyingQuestion,
	})
}

func (w *Worker) createScheduledTask(ctx context.Context, inbound *store.InboundMessage, user *store.User, prefs *store.Preferences, result *extractor.Result) error {
	due, err := result.DueTime()
	if err != nil {
		// Validate() upstream makes this unreachable for model output;
		// guard anyway so a bad result degrades like an extractor failure.
		return w.createClarificationTask(ctx, inbound, user, prefs, &extractor.Result{
			NeedsClarification: true,
			ClarifyingQuestion: extractor.FallbackQuestion,
		})
	}
	dueMS := due.UnixMilli()

	action := result.ActionType
	if action == "" {
		action = prefs.DefaultAction
	}

	task := &store.Task{
		ID:              w.newTaskID(),
		UserID:          user.ID,
		SourceInboundID: inbound.ID,
		DueAt:           &dueMS,
		ActionType:      action,
		ContactHint:     result.ContactHint,
		Context:         result.Context,
		Status:          store.TaskPending,
	}
	created, err := w.createTask(ctx, task, inbound)
	if err != nil || !created {
		return err
	}

	w.rec.Record(ctx, task.ID, user.ID, store.EventCreated,
		observability.CreatedPayload{ActionType: action, DueAt: dueMS})
	w.rec.Record(ctx, task.ID, user.ID, store.EventScheduled,
		observability.ScheduledPayload{DueAt: dueMS})

	return w.queueReply(ctx, task, user, inbound.Channel, store.Payload{
		Subject: "Follow-up scheduled",
		Body:    confirmationBody(action, due, prefs.Timezone),
	})
}

// createTask inserts the task. A lost race (another replica already
// anchored a task to this inbound) reports created=false; the winner's run
// owns event and reply emission.
func (w *Worker) createTask(ctx context.Context, task *store.Task, inbound *store.InboundMessage) (bool, error) {
	err := w.store.CreateTask(ctx, task)
	if errors.Is(err, store.ErrDuplicateTask) {
		w.log.Info("ingest: concurrent replay already created the task", "inbound_id", inbound.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create task: %w", err)
	}
	w.metrics.Count(observability.MetricTasksCreated)
	return true, nil
}

// queueReply creates the acknowledgement outbox row on the channel the
// message arrived on.
func (w *Worker) queueReply(ctx context.Context, task *store.Task, user *store.User, channel string, p store.Payload) error {
	p.To = store.RecipientAddress(user, channel)
	m := &store.OutboxMessage{
		ID:      w.newObxID(),
		TaskID:  task.ID,
		UserID:  user.ID,
		Channel: channel,
	}
	if err := w.store.CreateOutbox(ctx, m, p); err != nil {
		return fmt.Errorf("queue reply: %w", err)
	}
	return nil
}

// confirmationBody phrases the schedule acknowledgement in the user's
// timezone. The timezone string was validated when preferences were saved;
// parse failures fall back to UTC rather than erroring the job.
func confirmationBody(action string, due time.Time, timezone string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	when := due.In(loc).Format("Mon, 2 Jan 2006 at 15:04")

	switch action {
	case store.ActionRemindAndDraft:
		return fmt.Sprintf("Got it — I'll nudge you with a ready-to-send draft on %s (%s).", when, timezone)
	case store.ActionSend:
		return fmt.Sprintf("Got it — I'll send the follow-up for you on %s (%s).", when, timezone)
	default:
		return fmt.Sprintf("Got it — I'll remind you to follow up on %s (%s).", when, timezone)
	}
}
