package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/relance/horosafe"
)

// EmailConfig configures the email provider send client.
type EmailConfig struct {
	// Endpoint is the provider's send URL. Empty selects the logging no-op.
	Endpoint string
	// Secret signs outbound requests: hex HMAC-SHA256 of the body in the
	// X-Webhook-Signature header, the same convention the provider uses for
	// inbound webhooks. Empty disables signing.
	Secret string
	// Timeout bounds one send attempt. Default: 10s.
	Timeout time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *EmailConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type emailSender struct {
	cfg    EmailConfig
	client *http.Client
}

type emailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewEmailSender builds the email SendFunc. An empty endpoint returns a
// no-op that logs instead of sending.
func NewEmailSender(cfg EmailConfig) (SendFunc, error) {
	cfg.defaults()

	if cfg.Endpoint == "" {
		cfg.Logger.Info("email sender: no endpoint configured, sends will be logged only")
		return noopSender("email", cfg.Logger), nil
	}
	if err := horosafe.ValidateEndpointURL(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("email sender: %w", err)
	}

	s := &emailSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	return s.send, nil
}

func (s *emailSender) send(ctx context.Context, m Message) error {
	body, err := json.Marshal(emailRequest{To: m.To, Subject: m.Subject, Body: m.Body})
	if err != nil {
		return &ErrSendFailed{Channel: "email", Cause: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: "email", Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	if s.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
		mac.Write(body)
		req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: "email", Cause: fmt.Errorf("POST %s: %w", s.cfg.Endpoint, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ErrSendFailed{Channel: "email", Cause: errStatus(resp.StatusCode, respBody)}
	}
	return nil
}

// noopSender logs the message and reports success. Dev mode only.
func noopSender(channel string, log *slog.Logger) SendFunc {
	return func(_ context.Context, m Message) error {
		log.Info("send skipped (no endpoint configured)",
			"channel", channel, "to", m.To, "subject", m.Subject, "body_len", len(m.Body))
		return nil
	}
}
