// Package channels implements the outbound delivery side of the pipeline:
// HTTP clients for the email provider's send API and the chat provider's
// graph-style messages API.
//
// The outbox sender is the only caller. It owns the durable retry schedule,
// so senders here make exactly one attempt per call and report failure
// through *ErrSendFailed; they never retry internally.
//
// Both constructors degrade to a logging no-op when their endpoint is empty,
// which is the documented dev mode: messages are logged as delivered without
// leaving the process.
package channels

import (
	"context"
	"fmt"
)

// Message is one outbound payload. Subject is empty for chat sends.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// SendFunc delivers one message. Implementations must be safe for
// concurrent use; the outbox sender calls them from its claim loop.
type SendFunc func(ctx context.Context, m Message) error

// Registry maps channel names to their senders.
type Registry map[string]SendFunc

// Send dispatches to the named channel's sender. An unregistered channel is
// a send failure like any other: the outbox backoff owns what happens next.
func (r Registry) Send(ctx context.Context, channel string, m Message) error {
	fn, ok := r[channel]
	if !ok {
		return &ErrSendFailed{Channel: channel, Cause: ErrUnknownChannel}
	}
	return fn(ctx, m)
}

// Channels returns the registered channel names, for startup logging.
func (r Registry) Channels() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

func errStatus(status int, body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("provider returned %d", status)
	}
	return fmt.Errorf("provider returned %d: %s", status, body)
}
