// Package middleware implements the onion-model middleware chain that
// wraps a dispatcher's service invocation with cross-cutting concerns
// (logging, timeout, rate limiting, retry) without touching the
// invocation itself.
//
// The chain wraps rpcmessage.Request/Response, the envelope actually
// carried in a packet body, so the same middleware stack composes
// around dispatcher.Server's invocation step.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Request:   A.before → B.before → C.before → handler
//	Response:  handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"github.com/driftloom/corerpc/rpcmessage"
)

// HandlerFunc is the function signature for request handlers: both the
// business handler (dispatcher invocation) and middleware-wrapped
// handlers share this signature.
type HandlerFunc func(ctx context.Context, req *rpcmessage.Request) *rpcmessage.Response

// Middleware takes a handler and returns a new handler that wraps it.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes multiple middlewares into a single middleware, built
// from right to left so the first middleware in the list is the
// outermost layer (executed first on request, last on response).
//
// Example:
//
//	chain := Chain(Logging, Timeout, RateLimit)
//	handler := chain(businessHandler)
//	// Execution: Logging → Timeout → RateLimit → businessHandler → RateLimit → Timeout → Logging
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
