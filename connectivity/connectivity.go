// Package connectivity hardens the pipeline's outbound calls — the
// extraction and drafting model endpoints and the channel send APIs — with
// composable middleware: timeout, retry, circuit breaking, panic recovery
// and local fallback.
//
// Everything operates on one function shape, so a client builds its call
// once and wraps it:
//
//	call := connectivity.Chain(
//	    connectivity.Recovery(log),
//	    connectivity.WithCircuitBreaker(cb, "extractor"),
//	    connectivity.WithRetry(2, 500*time.Millisecond, log),
//	    connectivity.Timeout(30*time.Second),
//	)(rawCall)
//
// The middlewares are transport-agnostic: payloads are opaque bytes, usually
// JSON request and response bodies.
package connectivity

import "context"

// Handler is a single outbound call: payload in, response out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)
