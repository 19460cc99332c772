// Package middleware wraps server handlers in an onion of cross-cutting
// concerns. Every middleware sees the call's controller through
// controller.FromContext and records failure or cancellation there, so the
// server turns it into the response.
package middleware

import (
	"context"

	"cell-rpc/controller"
	"cell-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// fail marks the call's controller failed, if there is one, and returns the
// matching error response.
func fail(ctx context.Context, req *message.RPCMessage, text string) *message.RPCMessage {
	if ctrl, ok := controller.FromContext(ctx); ok {
		ctrl.SetFailed(text)
	}
	return message.Failed(req.ServiceMethod, text)
}
