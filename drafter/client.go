package drafter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/relance/connectivity"
)

const systemPrompt = `You write short professional follow-up messages.
Reply with a single JSON object and nothing else:
{"subject": string, "body": string}
The body is plain text, at most 100 words, in the requested tone
(friendly, formal or brief), addressed to the contact, about the context.
No placeholders, no signature blocks beyond a simple closing.`

const maxBodyWords = 120

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// modelDrafter calls a chat-completions endpoint. Transport failures fall
// back to the template drafter via the connectivity chain, so Draft degrades
// instead of erroring when the endpoint is down.
type modelDrafter struct {
	cfg    Config
	client *http.Client
	call   connectivity.Handler
}

func newModelDrafter(cfg Config) *modelDrafter {
	m := &modelDrafter{
		cfg:    cfg,
		client: &http.Client{},
	}
	cb := connectivity.NewCircuitBreaker()
	m.call = connectivity.Chain(
		connectivity.Logging(cfg.Logger),
		connectivity.WithFallback(m.localTemplate, "drafter", cfg.Logger),
		connectivity.WithCircuitBreaker(cb, "drafter"),
		connectivity.WithRetry(1, 500*time.Millisecond, cfg.Logger),
		connectivity.Timeout(cfg.Timeout),
	)(m.callAPI)
	return m
}

func (m *modelDrafter) Draft(ctx context.Context, in Input) (*Draft, error) {
	user, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("drafter: marshal input: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: m.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(user)},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("drafter: marshal request: %w", err)
	}

	raw, err := m.call(ctx, body)
	if err != nil {
		// The fallback middleware already absorbed transport failures;
		// reaching here means the caller cancelled.
		return nil, fmt.Errorf("drafter: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		m.cfg.Logger.Warn("drafter: unusable response shape, using template", "error", err)
		return Fallback(in), nil
	}

	draft, err := decodeDraftJSON(resp.Choices[0].Message.Content)
	if err != nil {
		m.cfg.Logger.Warn("drafter: unusable draft content, using template", "error", err)
		return Fallback(in), nil
	}

	if draft.Subject == "" {
		draft.Subject = Fallback(in).Subject
	}
	draft.Body = clampWords(draft.Body, maxBodyWords)
	return draft, nil
}

func (m *modelDrafter) callAPI(ctx context.Context, body []byte) ([]byte, error) {
	url := m.cfg.Endpoint + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.Key != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.Key)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, url, string(respBody))
	}
	return io.ReadAll(resp.Body)
}

// localTemplate is the connectivity fallback handler: it recovers the draft
// input from the outgoing request and answers as a zero-cost local model.
func (m *modelDrafter) localTemplate(_ context.Context, body []byte) ([]byte, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Messages) < 2 {
		return nil, fmt.Errorf("drafter fallback: unreadable request")
	}
	var in Input
	if err := json.Unmarshal([]byte(req.Messages[len(req.Messages)-1].Content), &in); err != nil {
		return nil, fmt.Errorf("drafter fallback: unreadable input: %w", err)
	}

	content, err := json.Marshal(Fallback(in))
	if err != nil {
		return nil, err
	}
	out := chatResponse{Choices: []chatChoice{
		{Message: chatMessage{Role: "assistant", Content: string(content)}},
	}}
	return json.Marshal(out)
}

func decodeDraftJSON(content string) (*Draft, error) {
	var d Draft
	if err := json.Unmarshal([]byte(content), &d); err == nil && d.Body != "" {
		return &d, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return nil, err
	}
	if d.Body == "" {
		return nil, fmt.Errorf("draft body is empty")
	}
	return &d, nil
}

func clampWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
