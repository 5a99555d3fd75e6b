// Package e2e drives the whole follow-up pipeline over one SQLite database:
// a signed provider webhook lands, the ingest worker extracts a task, the
// scheduler claims it when due, the executor composes the outbound message
// and the outbox sender delivers it.
//
// Stages advance through explicit claims and passes rather than the
// free-running loops cmd/relance starts, so every flow is deterministic
// without wall-clock sleeps.
package e2e

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/relance/channels"
	"github.com/hazyhaar/relance/dbopen"
	"github.com/hazyhaar/relance/drafter"
	"github.com/hazyhaar/relance/executor"
	"github.com/hazyhaar/relance/extractor"
	"github.com/hazyhaar/relance/ingest"
	"github.com/hazyhaar/relance/ingress"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/outbox"
	"github.com/hazyhaar/relance/scheduler"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
)

const (
	emailSecret = "e2e-email-secret"
	chatSecret  = "e2e-chat-secret"
)

// --- pipeline fixture ---

// delivery is one message captured by the fake channel senders.
type delivery struct {
	channel string
	msg     channels.Message
}

// pipeline wires every stage onto a shared in-memory database, with a fake
// extractor and drafter standing in for the LLM services and capturing
// senders standing in for the providers.
type pipeline struct {
	store    *store.Store
	ingestQ  *vtq.Q
	executeQ *vtq.Q
	webhook  http.Handler
	worker   *ingest.Worker
	sched    *scheduler.Scheduler
	exec     *executor.Worker
	sender   *outbox.Sender

	mu       sync.Mutex
	sent     []delivery
	failNext int
}

func newPipeline(t *testing.T, ext extractor.Extractor) *pipeline {
	t.Helper()
	ctx := context.Background()

	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	st := store.NewStore(db)

	log := slog.New(slog.DiscardHandler)
	ingestQ := vtq.New(db, vtq.Options{Queue: ingest.Queue, Logger: log})
	executeQ := vtq.New(db, vtq.Options{Queue: executor.Queue, Logger: log})
	// Both queues share the one vtq_jobs table.
	if err := ingestQ.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	metrics := observability.NewMetrics(db, 64, time.Hour)
	if err := metrics.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { metrics.Close() })
	rec := observability.NewRecorder(st, log)

	if err := st.InsertUser(ctx, &store.User{
		ID:           "usr_ana",
		PrimaryEmail: "ana@example.com",
		ChatNumber:   "33700000001",
		DisplayName:  "Ana",
	}); err != nil {
		t.Fatal(err)
	}

	p := &pipeline{store: st, ingestQ: ingestQ, executeQ: executeQ}

	srv := ingress.New(st, ingestQ, metrics, ingress.Config{
		EmailSecret: emailSecret,
		ChatSecret:  chatSecret,
		Logger:      log,
	})
	p.webhook = srv.Router()
	p.worker = ingest.New(st, ext, rec, metrics, log)
	p.sched = scheduler.New(st, executeQ, rec, metrics, scheduler.Config{BatchSize: 10}, log)

	d := drafter.Func(func(_ context.Context, in drafter.Input) (*drafter.Draft, error) {
		return &drafter.Draft{
			Subject: "Follow-up: " + in.Context,
			Body:    "Hi, just checking in on " + in.Context + ".",
		}, nil
	})
	p.exec = executor.New(st, d, rec, metrics, log)

	registry := channels.Registry{
		store.ChannelEmail: p.capture(store.ChannelEmail),
		store.ChannelChat:  p.capture(store.ChannelChat),
	}
	p.sender = outbox.New(st, executeQ, registry, rec, metrics, outbox.Config{MaxAttempts: 3}, log)
	return p
}

func (p *pipeline) capture(channel string) channels.SendFunc {
	return func(_ context.Context, m channels.Message) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.failNext > 0 {
			p.failNext--
			return &channels.ErrSendFailed{Channel: channel, Cause: errors.New("provider unavailable")}
		}
		p.sent = append(p.sent, delivery{channel: channel, msg: m})
		return nil
	}
}

// rejectNext makes the capturing senders fail the next n deliveries.
func (p *pipeline) rejectNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

func (p *pipeline) deliveries() []delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]delivery(nil), p.sent...)
}

// --- stage drivers ---

// drain claims, handles and acks jobs until the queue is empty, returning
// how many jobs ran.
func (p *pipeline) drain(t *testing.T, q *vtq.Q, handle func(context.Context, []byte) error) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for {
		job, err := q.Claim(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil {
			return n
		}
		if err := handle(ctx, job.Payload); err != nil {
			t.Fatalf("job %s: %v", job.ID, err)
		}
		if err := q.Ack(ctx, job.ID); err != nil {
			t.Fatal(err)
		}
		n++
	}
}

// makeDue rewinds an outbox row's retry horizon so the next pass claims it
// without waiting out the backoff.
func (p *pipeline) makeDue(t *testing.T, outboxID string) {
	t.Helper()
	_, err := p.store.DB.Exec(`UPDATE outbox_messages SET next_retry_at = ? WHERE id = ?`,
		time.Now().Add(-time.Second).UnixMilli(), outboxID)
	if err != nil {
		t.Fatal(err)
	}
}

// --- webhook helpers ---

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *pipeline) postEmail(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", bytes.NewReader(raw))
	req.Header.Set("X-Webhook-Signature", sign(emailSecret, raw))
	rec := httptest.NewRecorder()
	p.webhook.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("email webhook = %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (p *pipeline) postChat(t *testing.T, messages ...map[string]any) []map[string]any {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"entry": []map[string]any{{
			"changes": []map[string]any{{
				"value": map[string]any{"messages": messages},
			}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/chat", bytes.NewReader(raw))
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign(chatSecret, raw))
	rec := httptest.NewRecorder()
	p.webhook.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat webhook = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	return out.Results
}

// --- assertion helpers ---

func (p *pipeline) taskByInbound(t *testing.T, inboundID string) *store.Task {
	t.Helper()
	task, err := p.store.GetTaskByInbound(context.Background(), inboundID)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil {
		t.Fatalf("no task for inbound %s", inboundID)
	}
	return task
}

func (p *pipeline) reloadTask(t *testing.T, id string) *store.Task {
	t.Helper()
	task, err := p.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil {
		t.Fatalf("task %s disappeared", id)
	}
	return task
}

func (p *pipeline) eventTypes(t *testing.T, taskID string) []string {
	t.Helper()
	events, err := p.store.ListEventsByTask(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

// outboxRow returns the single outbox row for the task in the given status.
func (p *pipeline) outboxRow(t *testing.T, taskID, status string) *store.OutboxMessage {
	t.Helper()
	rows, err := p.store.GetOutboxByTask(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	var found *store.OutboxMessage
	for _, row := range rows {
		if row.Status != status {
			continue
		}
		if found != nil {
			t.Fatalf("more than one %s outbox row for task %s", status, taskID)
		}
		found = row
	}
	if found == nil {
		t.Fatalf("no %s outbox row for task %s (have %d rows)", status, taskID, len(rows))
	}
	return found
}

func pastISO() string {
	return time.Now().Add(-2 * time.Second).UTC().Format(time.RFC3339)
}

// --- scenarios ---

// An email lands, the extractor schedules a remind_and_draft task that is
// already due, and the pipeline carries it all the way to a delivered draft.
func TestEmailToDeliveredDraft(t *testing.T) {
	ext := extractor.Func(func(_ context.Context, in extractor.Input) (*extractor.Result, error) {
		if !strings.Contains(in.Text, "invoice") {
			t.Errorf("extractor input lost the message text: %q", in.Text)
		}
		return &extractor.Result{
			DueAtISO:    pastISO(),
			ActionType:  store.ActionRemindAndDraft,
			ContactHint: "Sam",
			Context:     "the Q3 invoice",
		}, nil
	})
	p := newPipeline(t, ext)
	ctx := context.Background()

	// Provider webhook lands and is queued for ingest.
	out := p.postEmail(t, map[string]any{
		"messageId": "msg-e2e-1",
		"from":      "ana@example.com",
		"subject":   "Invoice",
		"textBody":  "remind me to chase Sam about the invoice next week",
	})
	if out["status"] != ingress.StatusAccepted {
		t.Fatalf("webhook status = %v", out["status"])
	}
	inboundID, _ := out["inbound_id"].(string)

	// Ingest turns the inbound into a scheduled task plus a confirmation
	// reply in the outbox.
	if n := p.drain(t, p.ingestQ, p.worker.Handle); n != 1 {
		t.Fatalf("ingest jobs = %d, want 1", n)
	}
	task := p.taskByInbound(t, inboundID)
	if task.Status != store.TaskPending {
		t.Fatalf("task status = %s, want %s", task.Status, store.TaskPending)
	}

	// The confirmation goes out. Its row carries the task id, but the task
	// is not in sending, so delivery must not complete the task.
	p.sender.Pass(ctx)
	got := p.deliveries()
	if len(got) != 1 || got[0].channel != store.ChannelEmail {
		t.Fatalf("deliveries after confirmation = %+v", got)
	}
	if got[0].msg.To != "ana@example.com" || !strings.Contains(got[0].msg.Body, "Got it") {
		t.Errorf("confirmation = %+v", got[0].msg)
	}
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskPending {
		t.Fatalf("task status after confirmation = %s, want %s", s, store.TaskPending)
	}

	// The scheduler claims the due task and queues execution.
	p.sched.Tick(ctx)
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskDue {
		t.Fatalf("task status after tick = %s, want %s", s, store.TaskDue)
	}

	// The executor drafts the follow-up and hands it to the outbox.
	if n := p.drain(t, p.executeQ, p.exec.Handle); n != 1 {
		t.Fatalf("execute jobs = %d, want 1", n)
	}
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskSending {
		t.Fatalf("task status after execute = %s, want %s", s, store.TaskSending)
	}

	// Delivery completes the task.
	p.sender.Pass(ctx)
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskDone {
		t.Fatalf("task status after delivery = %s, want %s", s, store.TaskDone)
	}
	got = p.deliveries()
	if len(got) != 2 {
		t.Fatalf("deliveries = %d, want 2", len(got))
	}
	final := got[1].msg
	if final.Subject != "Follow-up: the Q3 invoice" {
		t.Errorf("subject = %q", final.Subject)
	}
	if !strings.Contains(final.Body, "Time to follow up with Sam") ||
		!strings.Contains(final.Body, "just checking in on the Q3 invoice") {
		t.Errorf("body = %q", final.Body)
	}

	// The event trail records every stage, including the confirmation send.
	want := []string{
		store.EventCreated, store.EventScheduled, store.EventSent,
		store.EventDue, store.EventExecuting, store.EventDraftGenerated,
		store.EventSending, store.EventSent, store.EventDone,
	}
	types := p.eventTypes(t, task.ID)
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	// Nothing left behind in either queue.
	for _, q := range []*vtq.Q{p.ingestQ, p.executeQ} {
		if n, err := q.Len(ctx); err != nil || n != 0 {
			t.Fatalf("queue len = %d, %v", n, err)
		}
	}
}

// An ambiguous chat message parks the task in needs_clarification: the
// question is delivered, but the scheduler never picks the task up.
func TestChatClarificationParksTask(t *testing.T) {
	ext := extractor.Func(func(_ context.Context, _ extractor.Input) (*extractor.Result, error) {
		return &extractor.Result{
			NeedsClarification: true,
			ClarifyingQuestion: "When should I follow up, and with whom?",
		}, nil
	})
	p := newPipeline(t, ext)
	ctx := context.Background()

	results := p.postChat(t, map[string]any{
		"id": "wamid.e2e.1", "from": "33700000001", "type": "text",
		"text": map[string]any{"body": "follow up soon"},
	})
	if len(results) != 1 || results[0]["status"] != ingress.StatusAccepted {
		t.Fatalf("results = %+v", results)
	}
	inboundID, _ := results[0]["inbound_id"].(string)

	if n := p.drain(t, p.ingestQ, p.worker.Handle); n != 1 {
		t.Fatalf("ingest jobs = %d, want 1", n)
	}
	task := p.taskByInbound(t, inboundID)
	if task.Status != store.TaskNeedsClarification {
		t.Fatalf("task status = %s, want %s", task.Status, store.TaskNeedsClarification)
	}

	// The question is delivered on the channel the message came from, and
	// delivering it does not advance the task.
	p.sender.Pass(ctx)
	got := p.deliveries()
	if len(got) != 1 || got[0].channel != store.ChannelChat {
		t.Fatalf("deliveries = %+v", got)
	}
	if got[0].msg.To != "33700000001" || !strings.Contains(got[0].msg.Body, "with whom") {
		t.Errorf("question = %+v", got[0].msg)
	}
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskNeedsClarification {
		t.Fatalf("task status after delivery = %s, want %s", s, store.TaskNeedsClarification)
	}

	// The scheduler has nothing to claim.
	p.sched.Tick(ctx)
	if n, err := p.executeQ.Len(ctx); err != nil || n != 0 {
		t.Fatalf("execute queue len = %d, %v", n, err)
	}

	want := []string{store.EventCreated, store.EventClarificationSent, store.EventSent}
	types := p.eventTypes(t, task.ID)
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] || types[2] != want[2] {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

// A provider outage is absorbed by the outbox: failed attempts requeue with
// growing backoff, and the task completes once the provider recovers.
func TestDeliveryRetriesThroughOutage(t *testing.T) {
	ext := extractor.Func(func(_ context.Context, _ extractor.Input) (*extractor.Result, error) {
		return &extractor.Result{
			DueAtISO:    pastISO(),
			ActionType:  store.ActionRemind,
			ContactHint: "Sam",
			Context:     "the contract",
		}, nil
	})
	p := newPipeline(t, ext)
	ctx := context.Background()

	out := p.postEmail(t, map[string]any{
		"messageId": "msg-e2e-retry",
		"from":      "ana@example.com",
		"textBody":  "remind me to follow up with Sam tomorrow",
	})
	inboundID, _ := out["inbound_id"].(string)
	p.drain(t, p.ingestQ, p.worker.Handle)
	task := p.taskByInbound(t, inboundID)

	// Deliver the confirmation before the outage starts.
	p.sender.Pass(ctx)
	if n := len(p.deliveries()); n != 1 {
		t.Fatalf("deliveries before outage = %d, want 1", n)
	}

	p.sched.Tick(ctx)
	p.drain(t, p.executeQ, p.exec.Handle)

	// Two attempts hit the outage.
	p.rejectNext(2)
	before := time.Now()
	p.sender.Pass(ctx)

	row := p.outboxRow(t, task.ID, store.OutboxQueued)
	if row.Attempts != 1 {
		t.Fatalf("attempts after first failure = %d, want 1", row.Attempts)
	}
	lo := before.Add(50 * time.Second).UnixMilli()
	hi := before.Add(70 * time.Second).UnixMilli()
	if row.NextRetryAt < lo || row.NextRetryAt > hi {
		t.Fatalf("next_retry_at = %d, want within [%d, %d]", row.NextRetryAt, lo, hi)
	}
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskSending {
		t.Fatalf("task status mid-outage = %s, want %s", s, store.TaskSending)
	}

	// The backoff horizon gates the row: a pass before it does nothing.
	p.sender.Pass(ctx)
	if got := p.outboxRow(t, task.ID, store.OutboxQueued).Attempts; got != 1 {
		t.Fatalf("attempts after early pass = %d, want 1", got)
	}

	p.makeDue(t, row.ID)
	p.sender.Pass(ctx)
	if got := p.outboxRow(t, task.ID, store.OutboxQueued).Attempts; got != 2 {
		t.Fatalf("attempts after second failure = %d, want 2", got)
	}

	// Provider back up: the third attempt lands and completes the task.
	p.makeDue(t, row.ID)
	p.sender.Pass(ctx)

	sent, err := p.store.GetOutbox(ctx, row.ID)
	if err != nil || sent == nil {
		t.Fatalf("reload outbox row: %v, %v", sent, err)
	}
	if sent.Status != store.OutboxSent || sent.Attempts != 3 {
		t.Fatalf("row = %s attempts %d, want %s attempts 3", sent.Status, sent.Attempts, store.OutboxSent)
	}
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskDone {
		t.Fatalf("task status after recovery = %s, want %s", s, store.TaskDone)
	}
	got := p.deliveries()
	if len(got) != 2 || !strings.HasPrefix(got[1].msg.Subject, "Reminder: follow up with Sam") {
		t.Fatalf("deliveries = %+v", got)
	}

	counts, err := p.store.CountEventsByType(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[store.EventRetried] != 2 || counts[store.EventDone] != 1 {
		t.Fatalf("event counts = %v", counts)
	}
}

// When every attempt in the budget fails, the row and its task land in
// failed and stay there for an operator.
func TestDeliveryExhaustionFailsTask(t *testing.T) {
	ext := extractor.Func(func(_ context.Context, _ extractor.Input) (*extractor.Result, error) {
		return &extractor.Result{
			DueAtISO:   pastISO(),
			ActionType: store.ActionRemind,
		}, nil
	})
	p := newPipeline(t, ext)
	ctx := context.Background()

	out := p.postEmail(t, map[string]any{
		"messageId": "msg-e2e-exhaust",
		"from":      "ana@example.com",
		"textBody":  "remind me to call the bank",
	})
	inboundID, _ := out["inbound_id"].(string)
	p.drain(t, p.ingestQ, p.worker.Handle)
	task := p.taskByInbound(t, inboundID)

	p.sender.Pass(ctx) // confirmation
	p.sched.Tick(ctx)
	p.drain(t, p.executeQ, p.exec.Handle)

	// MaxAttempts is 3; all of them fail.
	p.rejectNext(3)
	p.sender.Pass(ctx)
	row := p.outboxRow(t, task.ID, store.OutboxQueued)
	p.makeDue(t, row.ID)
	p.sender.Pass(ctx)
	p.makeDue(t, row.ID)
	p.sender.Pass(ctx)

	failed := p.outboxRow(t, task.ID, store.OutboxFailed)
	if failed.Attempts != 3 {
		t.Fatalf("attempts on failed row = %d, want 3", failed.Attempts)
	}
	if s := p.reloadTask(t, task.ID).Status; s != store.TaskFailed {
		t.Fatalf("task status = %s, want %s", s, store.TaskFailed)
	}
	if n := len(p.deliveries()); n != 1 {
		t.Fatalf("deliveries = %d, want only the confirmation", n)
	}

	counts, err := p.store.CountEventsByType(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[store.EventRetried] != 2 || counts[store.EventFailed] != 1 || counts[store.EventDone] != 0 {
		t.Fatalf("event counts = %v", counts)
	}
}

// Provider redelivery of the same message collapses to one inbound, one
// ingest job and one task, before and after processing.
func TestWebhookRedeliveryCollapses(t *testing.T) {
	ext := extractor.Func(func(_ context.Context, _ extractor.Input) (*extractor.Result, error) {
		return &extractor.Result{
			DueAtISO:   pastISO(),
			ActionType: store.ActionRemind,
		}, nil
	})
	p := newPipeline(t, ext)
	ctx := context.Background()

	body := map[string]any{
		"messageId": "msg-e2e-dup",
		"from":      "ana@example.com",
		"textBody":  "remind me about the renewal on friday",
	}

	first := p.postEmail(t, body)
	if first["status"] != ingress.StatusAccepted {
		t.Fatalf("first status = %v", first["status"])
	}
	inboundID, _ := first["inbound_id"].(string)

	// Redelivery before processing: same inbound, still one queued job.
	second := p.postEmail(t, body)
	if second["status"] != ingress.StatusDuplicate {
		t.Fatalf("second status = %v", second["status"])
	}
	if n, err := p.ingestQ.Len(ctx); err != nil || n != 1 {
		t.Fatalf("ingest queue len = %d, %v", n, err)
	}

	if n := p.drain(t, p.ingestQ, p.worker.Handle); n != 1 {
		t.Fatalf("ingest jobs = %d, want 1", n)
	}
	task := p.taskByInbound(t, inboundID)

	// Redelivery after processing: acknowledged, but nothing is re-queued
	// and no second task appears.
	third := p.postEmail(t, body)
	if third["status"] != ingress.StatusDuplicate {
		t.Fatalf("third status = %v", third["status"])
	}
	if n := p.drain(t, p.ingestQ, p.worker.Handle); n != 0 {
		t.Fatalf("jobs after redelivery = %d, want 0", n)
	}

	if n, err := p.store.CountInbound(ctx); err != nil || n != 1 {
		t.Fatalf("inbound rows = %d, %v", n, err)
	}
	if again := p.taskByInbound(t, inboundID); again.ID != task.ID {
		t.Fatalf("task changed: %s -> %s", task.ID, again.ID)
	}
}
