package channels

import (
	"errors"
	"fmt"
)

// ErrUnknownChannel is the cause when an outbox row names a channel no
// sender is registered for.
var ErrUnknownChannel = errors.New("channels: no sender registered for channel")

// ErrSendFailed is returned when a message could not be delivered. The
// outbox sender matches on it to count the attempt and schedule backoff.
type ErrSendFailed struct {
	Channel string
	Cause   error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: send failed on %s: %v", e.Channel, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
