package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"cell-rpc/message"
)

const rateLimitText = "rate limit exceeded"

// RateLimit rejects calls beyond a token bucket of r per second with the given
// burst. Rejected calls are marked failed.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return fail(ctx, req, rateLimitText)
			}
			return next(ctx, req)
		}
	}
}

// RateLimitWait queues calls beyond the bucket instead of rejecting them. A
// call canceled while queued fails with the cancellation cause.
func RateLimitWait(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if err := limiter.Wait(ctx); err != nil {
				if cause := context.Cause(ctx); cause != nil {
					err = cause
				}
				return fail(ctx, req, rateLimitText+": "+err.Error())
			}
			return next(ctx, req)
		}
	}
}
