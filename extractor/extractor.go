// Package extractor turns redacted inbound text into a structured follow-up
// intent. The production implementation calls an OpenAI-compatible
// chat-completions endpoint; with no endpoint configured it falls back to a
// deterministic rule-based parser (dev/test mode).
//
// The contract is strict: a result either needs clarification (non-empty
// question, no due instant) or it is schedulable (parseable due instant).
// Anything else is an extraction failure, which the ingest worker converts
// into a clarification of its own.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/relance/store"
)

// ErrContract is returned when a model response parses as JSON but violates
// the extraction contract.
var ErrContract = errors.New("extractor: result violates contract")

// Input is one extraction request.
type Input struct {
	// Text is the redaction-safe message text.
	Text string
	// Timezone is the user's IANA timezone, for resolving relative dates.
	Timezone string
	// Now anchors relative expressions ("tomorrow", "in two weeks").
	Now time.Time
}

// Result is the extraction contract.
type Result struct {
	NeedsClarification bool   `json:"needs_clarification"`
	ClarifyingQuestion string `json:"clarifying_question"`
	DueAtISO           string `json:"due_at_iso"`
	ActionType         string `json:"action_type"`
	ContactHint        string `json:"contact_hint"`
	Context            string `json:"context"`
}

// Validate enforces the contract invariants. Empty ActionType is allowed;
// the caller substitutes the user's default action.
func (r *Result) Validate() error {
	if r.NeedsClarification {
		if r.ClarifyingQuestion == "" {
			return fmt.Errorf("%w: needs_clarification without a question", ErrContract)
		}
		return nil
	}
	if _, err := r.DueTime(); err != nil {
		return fmt.Errorf("%w: %v", ErrContract, err)
	}
	switch r.ActionType {
	case "", store.ActionRemind, store.ActionRemindAndDraft, store.ActionSend:
	default:
		return fmt.Errorf("%w: unknown action_type %q", ErrContract, r.ActionType)
	}
	return nil
}

// DueTime parses DueAtISO as an ISO-8601 instant with offset.
func (r *Result) DueTime() (time.Time, error) {
	if r.DueAtISO == "" {
		return time.Time{}, fmt.Errorf("due_at_iso is empty")
	}
	ts, err := time.Parse(time.RFC3339, r.DueAtISO)
	if err != nil {
		return time.Time{}, fmt.Errorf("due_at_iso %q: %w", r.DueAtISO, err)
	}
	return ts, nil
}

// Extractor produces a Result for one inbound message.
type Extractor interface {
	Extract(ctx context.Context, in Input) (*Result, error)
}

// Func adapts a function to the Extractor interface. Tests use this for
// fakes.
type Func func(ctx context.Context, in Input) (*Result, error)

// Extract implements Extractor.
func (f Func) Extract(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// Config configures the extraction client.
type Config struct {
	// Endpoint is the base URL of an OpenAI-compatible server. If empty,
	// New returns the rule-based extractor.
	Endpoint string
	// Key is the bearer token, if the endpoint requires one.
	Key string
	// Model is the model name sent in the request.
	Model string
	// Timeout per extraction call. Default: 30s.
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

// New creates an Extractor from config. With no endpoint it returns the
// deterministic rule-based extractor, so a bare dev setup still schedules
// follow-ups.
func New(cfg Config) Extractor {
	cfg.defaults()
	if cfg.Endpoint == "" {
		cfg.Logger.Info("extractor: no endpoint configured, using rule-based extraction")
		return newRuleExtractor()
	}
	return newModelExtractor(cfg)
}
