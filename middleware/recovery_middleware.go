package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"cell-rpc/message"
)

// Recovery turns a panicking handler into a failed call.
func Recovery(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", zap.String("method", req.ServiceMethod), zap.Any("panic", r), zap.StackSkip("stack", 1))
					resp = fail(ctx, req, fmt.Sprintf("rpc: handler panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
