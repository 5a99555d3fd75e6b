// Package drafter produces short follow-up drafts (subject + body) from a
// task's contact hint, context and the user's preferred tone.
//
// The production implementation calls an OpenAI-compatible chat-completions
// endpoint. A deterministic template drafter covers two degraded paths with
// the same wording: no endpoint configured (dev/test mode), and endpoint
// failures (wired as a transport-level fallback, so a draft is always
// produced and the executor never stalls on the model).
package drafter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/relance/store"
)

// Input is one draft request.
type Input struct {
	ContactHint string `json:"contact_hint"`
	Context     string `json:"context"`
	Tone        string `json:"tone"`
}

// Draft is the drafting contract: a subject line and a body of roughly a
// hundred words or fewer.
type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Drafter produces a Draft for one task.
type Drafter interface {
	Draft(ctx context.Context, in Input) (*Draft, error)
}

// Func adapts a function to the Drafter interface. Tests use this for fakes.
type Func func(ctx context.Context, in Input) (*Draft, error)

// Draft implements Drafter.
func (f Func) Draft(ctx context.Context, in Input) (*Draft, error) {
	return f(ctx, in)
}

// Config configures the drafting client.
type Config struct {
	// Endpoint is the base URL of an OpenAI-compatible server. If empty,
	// New returns the template drafter.
	Endpoint string
	// Key is the bearer token, if the endpoint requires one.
	Key string
	// Model is the model name sent in the request.
	Model string
	// Timeout per draft call. Default: 30s.
	Timeout time.Duration
	// Logger for debug/error messages. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates a Drafter from config. With no endpoint it returns the
// template drafter.
func New(cfg Config) Drafter {
	cfg.defaults()
	if cfg.Endpoint == "" {
		cfg.Logger.Info("drafter: no endpoint configured, using template drafts")
		return templateDrafter{}
	}
	return newModelDrafter(cfg)
}

// templateDrafter always answers with Fallback.
type templateDrafter struct{}

func (templateDrafter) Draft(_ context.Context, in Input) (*Draft, error) {
	return Fallback(in), nil
}

// Fallback is the deterministic template draft. It is also what the model
// path degrades to when the endpoint fails.
func Fallback(in Input) *Draft {
	contact := strings.TrimSpace(in.ContactHint)
	if contact == "" {
		contact = "there"
	}
	about := strings.TrimSpace(in.Context)
	if about == "" {
		about = "our last conversation"
	}

	subject := "Quick follow-up"
	if in.Context != "" {
		subject = fmt.Sprintf("Follow-up: %s", about)
	}

	var body string
	switch in.Tone {
	case store.ToneFormal:
		body = fmt.Sprintf("Dear %s,\n\nI am writing to follow up regarding %s. I would appreciate an update at your earliest convenience.\n\nKind regards", contact, about)
	case store.ToneBrief:
		body = fmt.Sprintf("Hi %s — following up on %s. Any update?", contact, about)
	default: // friendly
		body = fmt.Sprintf("Hi %s,\n\nJust a quick nudge about %s. Let me know how things stand when you get a chance.\n\nThanks!", contact, about)
	}

	return &Draft{Subject: subject, Body: body}
}
