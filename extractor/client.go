package extractor

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

const systemPrompt = `You extract follow-up scheduling intents from short messages.
Reply with a single JSON object and nothing else:
{"needs_clarification": boolean, "clarifying_question": string or null,
"due_at_iso": string or null, "action_type": "remind" | "remind_and_draft" | "send",
"contact_hint": string, "context": string}
Rules: resolve relative dates against now_iso in the user's timezone and emit
due_at_iso as ISO-8601 with offset. If no time reference can be resolved, set
needs_clarification to true, due_at_iso to null and ask one short question.
contact_hint names who to follow up with; context summarizes what about.`

// chatRequest is the OpenAI-compatible chat-completions request.
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
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type extractPayload struct {
	Text     string `json:"text"`
	Timezone string `json:"timezone"`
	NowISO   string `json:"now_iso"`
}

// modelExtractor calls a chat-completions endpoint and parses the contract
// JSON out of the model's reply.
type modelExtractor struct {
	cfg    Config
	client *http.Client
	call   connectivity.Handler
}

func newModelExtractor(cfg Config) *modelExtractor {
	m := &modelExtractor{
		cfg:    cfg,
		client: &http.Client{},
	}
	cb := connectivity.NewCircuitBreaker()
	m.call = connectivity.Chain(
		connectivity.Logging(cfg.Logger),
		connectivity.WithCircuitBreaker(cb, "extractor"),
		connectivity.WithRetry(1, 500*time.Millisecond, cfg.Logger),
		connectivity.Timeout(cfg.Timeout),
	)(m.callAPI)
	return m
}

func (m *modelExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	user, err := json.Marshal(extractPayload{
		Text:     in.Text,
		Timezone: in.Timezone,
		NowISO:   in.Now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("extractor: marshal input: %w", err)
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
		return nil, fmt.Errorf("extractor: marshal request: %w", err)
	}

	raw, err := m.call(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("extractor: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("extractor: empty response from %s", m.cfg.Endpoint)
	}

	result, err := decodeModelJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *modelExtractor) callAPI(ctx context.Context, body []byte) ([]byte, error) {
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

// decodeModelJSON tolerates the usual model framing noise (markdown fences,
// prose around the object) by falling back to the outermost brace pair.
func decodeModelJSON(content string) (*Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(content), &r); err == nil {
		return &r, nil
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in model reply", ErrContract)
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContract, err)
	}
	return &r, nil
}
