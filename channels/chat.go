package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/relance/horosafe"
)

// ChatConfig configures the chat provider send client. The provider exposes
// a graph-style API: messages are POSTed to {endpoint}/{number_id}/messages
// with a bearer token.
type ChatConfig struct {
	// Endpoint is the provider's API base URL. Empty selects the logging
	// no-op.
	Endpoint string
	// Token authenticates requests (Authorization: Bearer).
	Token string
	// NumberID is the business phone number the messages are sent from.
	NumberID string
	// Timeout bounds one send attempt. Default: 10s.
	Timeout time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *ChatConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type chatSender struct {
	cfg    ChatConfig
	url    string
	client *http.Client
}

// chatRequest is the provider's message shape. Subjects don't exist in chat;
// the caller folds anything important into the body.
type chatRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             chatText `json:"text"`
}

type chatText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// NewChatSender builds the chat SendFunc. An empty endpoint returns a no-op
// that logs instead of sending.
func NewChatSender(cfg ChatConfig) (SendFunc, error) {
	cfg.defaults()

	if cfg.Endpoint == "" {
		cfg.Logger.Info("chat sender: no endpoint configured, sends will be logged only")
		return noopSender("chat", cfg.Logger), nil
	}
	if err := horosafe.ValidateEndpointURL(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("chat sender: %w", err)
	}
	if cfg.NumberID == "" {
		return nil, fmt.Errorf("chat sender: number_id is required with an endpoint")
	}

	s := &chatSender{
		cfg:    cfg,
		url:    fmt.Sprintf("%s/%s/messages", cfg.Endpoint, cfg.NumberID),
		client: &http.Client{Timeout: cfg.Timeout},
	}
	return s.send, nil
}

func (s *chatSender) send(ctx context.Context, m Message) error {
	body, err := json.Marshal(chatRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               m.To,
		Type:             "text",
		Text:             chatText{Body: m.Body},
	})
	if err != nil {
		return &ErrSendFailed{Channel: "chat", Cause: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: "chat", Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: "chat", Cause: fmt.Errorf("POST %s: %w", s.url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ErrSendFailed{Channel: "chat", Cause: errStatus(resp.StatusCode, respBody)}
	}
	return nil
}
