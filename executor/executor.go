// Package executor turns due tasks into outbound messages.
//
// The scheduler publishes execute jobs; this worker consumes them. Each job
// names one task. The worker gates on the due→executing transition so queue
// redeliveries and concurrent replicas collapse to a single execution, builds
// the message for the task's action type and writes the outbox row that the
// delivery loop picks up.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/relance/drafter"
	"github.com/hazyhaar/relance/idgen"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
)

// Queue is the vtq queue name for execute jobs.
const Queue = "execute"

// Job names one task ready to execute.
type Job struct {
	TaskID string `json:"task_id"`
}

// Enqueue publishes an execute job. The identity "exec:" + task ID collapses
// scheduler replays onto the job already in flight.
func Enqueue(ctx context.Context, q *vtq.Q, taskID string) error {
	payload, err := json.Marshal(Job{TaskID: taskID})
	if err != nil {
		return err
	}
	return q.Publish(ctx, "exec:"+taskID, payload)
}

// EnqueueRetry publishes an execute job under a timestamped identity. Admin
// retries need a fresh identity because the original "exec:" job was acked
// and deleted when the task first ran.
func EnqueueRetry(ctx context.Context, q *vtq.Q, taskID string, now time.Time) error {
	payload, err := json.Marshal(Job{TaskID: taskID})
	if err != nil {
		return err
	}
	return q.Publish(ctx, fmt.Sprintf("retry:%s:%d", taskID, now.UnixMilli()), payload)
}

// Worker executes due tasks.
type Worker struct {
	store    *store.Store
	draft    drafter.Drafter
	rec      *observability.Recorder
	metrics  *observability.Metrics
	newObxID idgen.Generator
	now      func() time.Time
	log      *slog.Logger
}

// New creates an executor worker.
func New(st *store.Store, d drafter.Drafter, rec *observability.Recorder, metrics *observability.Metrics, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:    st,
		draft:    d,
		rec:      rec,
		metrics:  metrics,
		newObxID: idgen.Prefixed("obx_", idgen.Default),
		now:      time.Now,
		log:      log,
	}
}

// Handle processes one execute job payload. Returning an error puts the job
// back on the queue; nil acks it.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		w.log.Error("executor: undecodable job dropped", "error", err)
		return nil
	}

	task, err := w.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", job.TaskID, err)
	}
	if task == nil {
		w.log.Warn("executor: task gone", "task_id", job.TaskID)
		return nil
	}
	if task.Status != store.TaskDue {
		// Replay after a completed execution, or an admin moved the task.
		return nil
	}

	user, err := w.store.GetUser(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", task.UserID, err)
	}
	if user == nil {
		w.log.Error("executor: task owner missing", "task_id", task.ID, "user_id", task.UserID)
		return nil
	}
	prefs, err := w.store.GetPreferences(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("load preferences %s: %w", task.UserID, err)
	}

	// due → executing is the execution gate: exactly one worker wins it,
	// everyone else sees the conflict and acks.
	if err := w.store.BeginTaskExecution(ctx, task.ID); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil
		}
		return fmt.Errorf("begin execution %s: %w", task.ID, err)
	}
	w.rec.Record(ctx, task.ID, task.UserID, store.EventExecuting, nil)

	channel, err := w.resolveChannel(ctx, task, prefs)
	if err != nil {
		return err
	}
	to := store.RecipientAddress(user, channel)
	if to == "" {
		// Still queue the message. The send will fail and the normal retry
		// and failure machinery makes the problem visible and retriable.
		w.log.Warn("executor: user has no address for channel",
			"task_id", task.ID, "user_id", task.UserID, "channel", channel)
	}

	subject, body := w.compose(ctx, task, user, prefs)

	msg := &store.OutboxMessage{
		ID:          w.newObxID(),
		TaskID:      task.ID,
		UserID:      task.UserID,
		Channel:     channel,
		Status:      store.OutboxQueued,
		NextRetryAt: w.now().UnixMilli(),
	}
	p := store.Payload{To: to, Subject: subject, Body: body}
	if err := w.store.CreateOutbox(ctx, msg, p); err != nil {
		return fmt.Errorf("create outbox for task %s: %w", task.ID, err)
	}

	if err := w.store.MarkTaskSending(ctx, task.ID); err != nil {
		return fmt.Errorf("mark task %s sending: %w", task.ID, err)
	}
	w.rec.Record(ctx, task.ID, task.UserID, store.EventSending, &observability.SendPayload{
		OutboxID: msg.ID,
		Channel:  channel,
	})
	w.log.Info("executor: task handed to delivery",
		"task_id", task.ID, "action", task.ActionType, "channel", channel)
	return nil
}

// resolveChannel answers on the channel the request came in on. Tasks with
// no source inbound (none today, possible for future task kinds) use the
// preference fallback.
func (w *Worker) resolveChannel(ctx context.Context, task *store.Task, prefs *store.Preferences) (string, error) {
	if task.SourceInboundID != "" {
		inbound, err := w.store.GetInbound(ctx, task.SourceInboundID)
		if err != nil {
			return "", fmt.Errorf("load inbound %s: %w", task.SourceInboundID, err)
		}
		if inbound != nil {
			return inbound.Channel, nil
		}
	}
	return prefs.FallbackChannel, nil
}

// compose builds the outbound subject and body for the task's action type.
func (w *Worker) compose(ctx context.Context, task *store.Task, user *store.User, prefs *store.Preferences) (string, string) {
	switch task.ActionType {
	case store.ActionRemindAndDraft, store.ActionSend:
		in := drafter.Input{
			ContactHint: task.ContactHint,
			Context:     task.Context,
			Tone:        prefs.Tone,
		}
		d, err := w.draft.Draft(ctx, in)
		if err != nil || d == nil {
			w.log.Warn("executor: drafter failed, using template",
				"task_id", task.ID, "error", err)
			d = drafter.Fallback(in)
		}
		w.rec.Record(ctx, task.ID, task.UserID, store.EventDraftGenerated,
			&observability.DraftPayload{Subject: d.Subject})
		w.metrics.Count(observability.MetricDraftsGenerated)

		if task.ActionType == store.ActionSend {
			return d.Subject, d.Body
		}
		return d.Subject, draftEnvelope(user, task, d)
	default:
		return reminderMessage(task, user)
	}
}

// reminderMessage is the static remind phrasing.
func reminderMessage(task *store.Task, user *store.User) (string, string) {
	contact := orElse(task.ContactHint, "your contact")
	about := orElse(task.Context, "your last conversation")
	name := orElse(user.DisplayName, "there")

	subject := fmt.Sprintf("Reminder: follow up with %s", contact)
	body := fmt.Sprintf("Hi %s,\n\nThis is your reminder to follow up with %s about %s.", name, contact, about)
	return subject, body
}

// draftEnvelope wraps a generated draft in the remind_and_draft framing.
func draftEnvelope(user *store.User, task *store.Task, d *drafter.Draft) string {
	contact := orElse(task.ContactHint, "your contact")
	name := orElse(user.DisplayName, "there")
	return fmt.Sprintf("Hi %s,\n\nTime to follow up with %s. Here is a draft you can use:\n\n%s", name, contact, d.Body)
}

func orElse(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}
