package outbox

import "time"

const (
	backoffBase = 30 * time.Second
	backoffMax  = 10 * time.Minute
)

// Backoff returns the delay before the next attempt, given how many attempts
// have completed: 60s, 120s, 240s, 480s, then capped at 10 minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// 2^5 already exceeds the cap, no need to shift further.
	if attempts > 5 {
		attempts = 5
	}
	d := backoffBase << uint(attempts)
	if d > backoffMax {
		d = backoffMax
	}
	return d
}
