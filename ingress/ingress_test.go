package ingress_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/relance/dbopen"
	"github.com/hazyhaar/relance/ingest"
	"github.com/hazyhaar/relance/ingress"
	"github.com/hazyhaar/relance/observability"
	"github.com/hazyhaar/relance/store"
	"github.com/hazyhaar/relance/vtq"
)

const (
	emailSecret = "email-secret"
	chatSecret  = "chat-secret"
	verifyToken = "verify-me"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fixture struct {
	store   *store.Store
	queue   *vtq.Q
	handler http.Handler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewStore(db)

	queue := vtq.New(db, vtq.Options{Queue: ingest.Queue, Logger: discard()})
	if err := queue.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}

	metrics := observability.NewMetrics(db, 64, time.Hour)
	if err := metrics.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { metrics.Close() })

	if err := st.InsertUser(context.Background(), &store.User{
		ID:           "usr_1",
		PrimaryEmail: "ana@example.com",
		ChatNumber:   "33700000001",
		DisplayName:  "Ana",
	}); err != nil {
		t.Fatal(err)
	}

	srv := ingress.New(st, queue, metrics, ingress.Config{
		EmailSecret:     emailSecret,
		ChatSecret:      chatSecret,
		ChatVerifyToken: verifyToken,
		Logger:          discard(),
	})
	return &fixture{store: st, queue: queue, handler: srv.Router()}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) postEmail(t *testing.T, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", strings.NewReader(string(raw)))
	req.Header.Set("X-Webhook-Signature", sign(emailSecret, raw))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestEmailWebhookAccepted(t *testing.T) {
	f := setup(t)
	rec := f.postEmail(t, map[string]any{
		"messageId": "msg-1",
		"from":      "ana@example.com",
		"to":        "relance@example.com",
		"subject":   "Invoice",
		"textBody":  "follow up with Sam next week, card 4111 1111 1111 1111",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["status"] != "accepted" {
		t.Fatalf("status = %v", out["status"])
	}
	inboundID, _ := out["inbound_id"].(string)
	if !strings.HasPrefix(inboundID, "inb_") {
		t.Fatalf("inbound_id = %q", inboundID)
	}

	m, err := f.store.GetInbound(context.Background(), inboundID)
	if err != nil || m == nil {
		t.Fatalf("inbound row: %v, %v", m, err)
	}
	if m.Status != store.InboundReceived {
		t.Errorf("status = %s", m.Status)
	}
	if !strings.Contains(m.RawTextRedacted, "[CC_REDACTED]") {
		t.Errorf("card number survived redaction: %q", m.RawTextRedacted)
	}
	if !strings.Contains(m.RawTextRedacted, "Subject: Invoice") {
		t.Errorf("subject missing from text: %q", m.RawTextRedacted)
	}

	job, err := f.queue.Claim(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("no ingest job queued")
	}
	if job.ID != m.IdempotencyKey {
		t.Errorf("job identity = %q, want idempotency key %q", job.ID, m.IdempotencyKey)
	}
	var j ingest.Job
	if err := json.Unmarshal(job.Payload, &j); err != nil {
		t.Fatal(err)
	}
	if j.InboundID != inboundID || j.UserID != "usr_1" {
		t.Errorf("job = %+v", j)
	}
}

func TestEmailWebhookDuplicate(t *testing.T) {
	f := setup(t)
	body := map[string]any{
		"messageId": "msg-dup",
		"from":      "ana@example.com",
		"textBody":  "follow up tomorrow",
	}

	if rec := f.postEmail(t, body); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := f.postEmail(t, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("second = %d", rec.Code)
	}
	if out := decodeBody(t, rec); out["status"] != "duplicate" {
		t.Fatalf("status = %v", out["status"])
	}

	n, err := f.queue.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("queue len = %d, identity dedup should hold one job", n)
	}
	if c, _ := f.store.CountInbound(context.Background()); c != 1 {
		t.Errorf("inbound rows = %d", c)
	}
}

func TestEmailWebhookUnknownSender(t *testing.T) {
	f := setup(t)
	rec := f.postEmail(t, map[string]any{
		"messageId": "msg-2",
		"from":      "stranger@example.com",
		"textBody":  "who dis",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["status"] != "ignored" || out["reason"] != "unknown_sender" {
		t.Fatalf("out = %v", out)
	}
	if c, _ := f.store.CountInbound(context.Background()); c != 0 {
		t.Errorf("inbound rows = %d, unknown senders leave no trace", c)
	}
	if n, _ := f.queue.Len(context.Background()); n != 0 {
		t.Errorf("queue len = %d", n)
	}
}

func TestEmailWebhookBadSignature(t *testing.T) {
	f := setup(t)
	raw := []byte(`{"messageId":"msg-3","from":"ana@example.com","textBody":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", strings.NewReader(string(raw)))
	req.Header.Set("X-Webhook-Signature", sign("wrong-secret", raw))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestEmailWebhookValidation(t *testing.T) {
	f := setup(t)

	rec := f.postEmail(t, map[string]any{"from": "ana@example.com", "textBody": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing messageId = %d, want 400", rec.Code)
	}

	rec = f.postEmail(t, map[string]any{"messageId": "msg-4", "from": "ana@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty message = %d, want 400", rec.Code)
	}
}

func TestEmailWebhookHTMLBody(t *testing.T) {
	f := setup(t)
	rec := f.postEmail(t, map[string]any{
		"messageId": "msg-html",
		"from":      "ana@example.com",
		"htmlBody":  "<p>Please follow up with <b>Sam</b> next week.</p><script>alert(1)</script>",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	m, err := f.store.GetInbound(context.Background(), out["inbound_id"].(string))
	if err != nil || m == nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.RawTextRedacted, "Sam") {
		t.Errorf("converted text lost content: %q", m.RawTextRedacted)
	}
	if strings.Contains(m.RawTextRedacted, "<p>") || strings.Contains(m.RawTextRedacted, "alert(1)") {
		t.Errorf("markup or script survived: %q", m.RawTextRedacted)
	}
}

func TestChatChallenge(t *testing.T) {
	f := setup(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/chat?hub.mode=subscribe&hub.verify_token="+verifyToken+"&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Fatalf("challenge = %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/webhook/chat?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad token = %d, want 403", rec.Code)
	}
}

func chatDelivery(messages ...map[string]any) map[string]any {
	return map[string]any{
		"entry": []map[string]any{{
			"changes": []map[string]any{{
				"value": map[string]any{"messages": messages},
			}},
		}},
	}
}

func (f *fixture) postChat(t *testing.T, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/chat", strings.NewReader(string(raw)))
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign(chatSecret, raw))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestChatWebhookBatch(t *testing.T) {
	f := setup(t)
	rec := f.postChat(t, chatDelivery(
		map[string]any{
			"id": "wamid.1", "from": "33700000001", "type": "text",
			"text": map[string]any{"body": "follow up with Leo in 3 days"},
		},
		map[string]any{
			"id": "wamid.2", "from": "33799999999", "type": "text",
			"text": map[string]any{"body": "unknown sender"},
		},
		map[string]any{
			"id": "wamid.3", "from": "33700000001", "type": "image",
		},
	))

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Results []struct {
			MessageID string `json:"message_id"`
			Status    string `json:"status"`
			Reason    string `json:"reason"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("results = %d", len(out.Results))
	}
	if out.Results[0].Status != "accepted" {
		t.Errorf("known sender = %+v", out.Results[0])
	}
	if out.Results[1].Status != "ignored" || out.Results[1].Reason != "unknown_sender" {
		t.Errorf("unknown sender = %+v", out.Results[1])
	}
	if out.Results[2].Status != "ignored" || out.Results[2].Reason != "unsupported_type" {
		t.Errorf("image message = %+v", out.Results[2])
	}

	if n, _ := f.queue.Len(context.Background()); n != 1 {
		t.Errorf("queue len = %d, only the accepted message enqueues", n)
	}
}

func TestChatWebhookBadSignature(t *testing.T) {
	f := setup(t)
	raw, _ := json.Marshal(chatDelivery())
	req := httptest.NewRequest(http.MethodPost, "/webhook/chat", strings.NewReader(string(raw)))
	req.Header.Set("X-Hub-Signature-256", "sha256="+sign("nope", raw))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := setup(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

// Unsigned requests pass when no secret is configured (dev mode).
func TestEmailWebhookNoSecret(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewStore(db)
	queue := vtq.New(db, vtq.Options{Queue: ingest.Queue, Logger: discard()})
	if err := queue.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	metrics := observability.NewMetrics(db, 64, time.Hour)
	if err := metrics.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { metrics.Close() })
	if err := st.InsertUser(context.Background(), &store.User{
		ID: "usr_1", PrimaryEmail: "ana@example.com",
	}); err != nil {
		t.Fatal(err)
	}

	srv := ingress.New(st, queue, metrics, ingress.Config{Logger: discard()})
	raw := []byte(`{"messageId":"msg-open","from":"ana@example.com","textBody":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/email", strings.NewReader(string(raw)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	if out := decodeBody(t, rec); out["status"] != "accepted" {
		t.Fatalf("status = %v", out["status"])
	}
}
