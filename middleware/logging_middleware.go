package middleware

import (
	"context"
	"time"

	"github.com/driftloom/corerpc/rpclog"
	"github.com/driftloom/corerpc/rpcmessage"
	"go.uber.org/zap"
)

// LoggingMiddleware records the target/method identity, duration, and
// any error for each invocation, through the same rpclog.Streams the
// dispatcher already logs to.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = rpclog.NewNop().ServerError
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *rpcmessage.Request) *rpcmessage.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("target", req.Target),
				zap.String("method", req.MethodID),
				zap.Duration("took", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("rpc call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("rpc call completed", fields...)
			}
			return resp
		}
	}
}
