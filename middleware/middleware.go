// Package middleware wraps RPC handlers. The same chain shape serves both
// ends of a call: on the receiving node it wraps the method a service
// exposes, on the calling node it wraps the round trip to a peer.
package middleware

import (
	"context"

	"group-rpc/message"
	"group-rpc/protocol"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// CallInfo describes the call a handler chain is running for.
type CallInfo struct {
	Method string          // "Service.Method"
	Peer   protocol.NodeID // the caller on the receiving side, the target on the calling side
}

type callInfoKey struct{}

func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

func failed(req *message.RPCMessage, kind, msg string) *message.RPCMessage {
	return &message.RPCMessage{
		InvocationID: req.InvocationID,
		ErrorKind:    kind,
		Error:        msg,
	}
}
