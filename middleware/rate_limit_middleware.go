package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"group-rpc/message"
)

// RateLimitMiddleware sheds calls beyond r per second with bursts of up to
// burst calls, using a token bucket shared by every call through the chain.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return failed(req, message.KindRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
