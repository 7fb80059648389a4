package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"group-rpc/message"
)

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			info, _ := CallInfoFrom(ctx)
			log := logrus.WithFields(logrus.Fields{
				"method":     info.Method,
				"peer":       info.Peer,
				"invocation": req.InvocationID,
				"duration":   time.Since(start),
			})
			if resp.ErrorKind != "" {
				log.WithField("kind", resp.ErrorKind).Warnf("Call failed: %s", resp.Error)
			} else {
				log.Debug("Call served")
			}
			return resp
		}
	}
}
