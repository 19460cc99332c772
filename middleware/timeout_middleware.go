package middleware

import (
	"context"
	"errors"
	"time"

	"cell-rpc/controller"
	"cell-rpc/message"
)

const timeoutText = "request timed out"

// Timeout bounds a call. When timeout elapses first, the controller is marked
// failed and then canceled, which cancels the handler's context; the handler
// keeps running until it notices.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				if errors.Is(context.Cause(ctx), controller.ErrCanceled) {
					// Canceled from outside, not our deadline.
					return message.Failed(req.ServiceMethod, controller.ErrCanceled.Error())
				}
				resp := fail(ctx, req, timeoutText)
				if ctrl, ok := controller.FromContext(ctx); ok {
					ctrl.StartCancel()
				}
				return resp
			}
		}
	}
}
