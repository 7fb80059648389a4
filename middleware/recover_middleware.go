package middleware

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"group-rpc/message"
)

// RecoverMiddleware turns a panic in next into a KindPanic failure.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					info, _ := CallInfoFrom(ctx)
					logrus.WithField("method", info.Method).Errorf("Handler panicked: %v", r)
					resp = failed(req, message.KindPanic, fmt.Sprint(r))
				}
			}()
			return next(ctx, req)
		}
	}
}
