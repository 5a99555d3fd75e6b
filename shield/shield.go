// Package shield provides HTTP hardening middleware for the webhook and
// admin surfaces: security headers, request body caps, and per-IP rate
// limiting backed by a SQLite rules table.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(db) {
//	    r.Use(mw)
//	}
package shield

import (
	"database/sql"
	"net/http"
)

// MaxWebhookBody caps inbound webhook payloads.
const MaxWebhookBody = 1 << 20 // 1 MiB

// Stack returns the middleware for a publicly reachable listener:
// SecurityHeaders, MaxBody, rate limiting. The caller owns the limiter's
// reload lifecycle via the returned RateLimiter.
func Stack(db *sql.DB) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, "/healthz")
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(MaxWebhookBody),
		rl.Middleware,
	}, rl
}

// InternalStack returns the middleware for listeners that are not publicly
// exposed (admin). Same as Stack minus rate limiting.
func InternalStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(MaxWebhookBody),
	}
}
