package service

import (
	"context"

	"github.com/pkg/errors"

	"group-rpc/codec"
	"group-rpc/message"
	"group-rpc/middleware"
	"group-rpc/protocol"
	"group-rpc/registry"
)

// Register binds every RPC method of rcvr in subgroup. Requests and
// replies are envelopes encoded with cdc; each call runs through
// middlewares, in order, and panics in the method are recovered.
func Register(reg *registry.Registry, rcvr any, subgroup uint32, cdc codec.Codec, middlewares ...middleware.Middleware) (*Service, error) {
	s, err := New(rcvr)
	if err != nil {
		return nil, err
	}
	mws := append(append([]middleware.Middleware(nil), middlewares...), middleware.RecoverMiddleware())
	chain := middleware.Chain(mws...)

	var bound []protocol.Opcode
	for _, name := range s.Methods() {
		op, err := Opcode(s.name+"."+name, subgroup)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(op, s.handler(name, op, cdc, chain)); err != nil {
			for _, done := range bound {
				reg.Unregister(done)
			}
			return nil, errors.Wrapf(err, "failed to register %s.%s", s.name, name)
		}
		bound = append(bound, op)
	}
	return s, nil
}

func (s *Service) handler(name string, op protocol.Opcode, cdc codec.Codec, chain middleware.Middleware) registry.Handler {
	mt := s.method[name]
	serviceMethod := s.name + "." + name
	next := chain(func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		return s.invoke(ctx, mt, req)
	})

	return func(from protocol.NodeID, payload []byte, alloc registry.Allocator) registry.Reply {
		req := &message.RPCMessage{}
		if err := cdc.Decode(payload, req); err != nil {
			return registry.Reply{Exception: errors.Wrapf(err, "failed to decode %s request from node %d", serviceMethod, from)}
		}
		// The reply may be written over the request, and the chain may
		// still be reading it after a timeout.
		req.Payload = append([]byte(nil), req.Payload...)

		ctx := middleware.WithCallInfo(context.Background(), middleware.CallInfo{Method: serviceMethod, Peer: from})
		resp := next(ctx, req)
		resp.InvocationID = req.InvocationID

		out, err := cdc.Encode(resp)
		if err != nil {
			return registry.Reply{Exception: errors.Wrapf(err, "failed to encode %s reply", serviceMethod)}
		}
		buf := alloc(len(out))
		if buf == nil {
			return registry.Reply{Exception: resp.Err()}
		}
		n := copy(buf, out)
		return registry.Reply{Payload: buf, Opcode: op.Reply(), Size: n, Exception: resp.Err()}
	}
}
