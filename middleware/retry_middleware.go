package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"group-rpc/message"
)

// RetryMiddleware repeats calls that were shed or could not reach a node,
// backing off exponentially from baseDelay. Other failures are returned as
// they are, since the handler may already have run.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && retryable(resp); i++ {
				info, _ := CallInfoFrom(ctx)
				logrus.WithFields(logrus.Fields{
					"method":  info.Method,
					"attempt": i + 1,
					"kind":    resp.ErrorKind,
				}).Debugf("Retrying call: %s", resp.Error)

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}

func retryable(resp *message.RPCMessage) bool {
	return resp.ErrorKind == message.KindUnavailable || resp.ErrorKind == message.KindRateLimited
}
