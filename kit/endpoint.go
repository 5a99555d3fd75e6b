// Package kit provides the endpoint and transport glue shared by relance
// services: a transport-agnostic Endpoint type, middleware chaining, request
// context keys, and an MCP tool adapter.
//
// Service methods are written once as Endpoints and exposed over HTTP and
// MCP without duplication. Middleware (auth, logging, timeouts) composes
// the same way regardless of transport.
package kit

import "context"

// Endpoint is a transport-agnostic service method: typed request in,
// typed response out. HTTP handlers and MCP tools both decode into the
// request type and hand off to the same Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middleware so that the first argument is outermost:
//
//	Chain(a, b, c)(endpoint)
//
// runs a before b before c before the endpoint, and unwinds in reverse.
func Chain(mw ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}
