package middleware

import (
	"context"

	"github.com/driftloom/corerpc/rpcmessage"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware creates a token-bucket rate limiter: tokens refill
// at r per second, up to burst. Each request consumes one token; an
// empty bucket rejects the request immediately without calling next.
//
// The limiter is created once in the outer closure, shared across every
// request wrapped by the returned Middleware — creating it per-request
// would hand every call a fresh full bucket and defeat rate limiting.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *rpcmessage.Request) *rpcmessage.Response {
			if !limiter.Allow() {
				return &rpcmessage.Response{Error: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
