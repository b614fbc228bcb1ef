package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/driftloom/corerpc/rpclog"
	"github.com/driftloom/corerpc/rpcmessage"
	"go.uber.org/zap"
)

// RetryMiddleware re-invokes next up to maxRetries times, with
// exponential backoff, when the response error looks transient
// ("timeout" or "connection refused"). Any other error, or success,
// returns immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = rpclog.NewNop().ServerError
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *rpcmessage.Request) *rpcmessage.Response {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Error == "" || !isTransient(resp.Error) {
					return resp
				}
				logger.Warn("retrying rpc call",
					zap.Int("attempt", i+1),
					zap.String("method", req.MethodID),
					zap.String("error", resp.Error),
				)
				time.Sleep(baseDelay * time.Duration(1<<i))
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func isTransient(errMsg string) bool {
	return strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "connection refused")
}
