package middleware

import (
	"context"
	"time"

	"group-rpc/message"
)

// TimeoutMiddleware bounds the time next may take. The context passed on
// is cancelled at the deadline; a handler that ignores it keeps running in
// the background and its result is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
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
				return failed(req, message.KindTimeout, "request timed out")
			}
		}
	}
}
