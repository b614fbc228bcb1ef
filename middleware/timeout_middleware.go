package middleware

import (
	"context"
	"time"

	"github.com/driftloom/corerpc/rpcmessage"
)

// TimeOutMiddleware enforces a maximum duration for each invocation. If
// the handler doesn't complete within the timeout, it returns an error
// response immediately.
//
// The handler goroutine is not cancelled. It continues running in the
// background; the server is never informed that a client gave up. The
// timeout only controls when this middleware gives up waiting on it.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *rpcmessage.Request) *rpcmessage.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *rpcmessage.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &rpcmessage.Response{Error: "request timed out"}
			}
		}
	}
}
