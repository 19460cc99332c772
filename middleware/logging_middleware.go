package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cell-rpc/controller"
	"cell-rpc/message"
)

// Logging logs one line per call with its method, duration and outcome.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Int("request_cell_block", len(req.CellBlock)),
			}
			if ctrl, ok := controller.FromContext(ctx); ok && ctrl.IsCanceled() {
				fields = append(fields, zap.Bool("canceled", true))
			}
			if resp != nil && resp.Error != "" {
				logger.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Info("call", fields...)
			}
			return resp
		}
	}
}
