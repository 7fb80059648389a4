// Package client issues RPCs to the members of a group and routes their
// replies back to the waiting caller.
//
// Every request carries an invocation id. The invoker registers itself as
// the handler of each reply opcode it has sent a request for, finds the
// pending call by the id echoed in the reply and resolves the replying
// node's slot. One Invoker owns the reply opcodes of a registry.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"group-rpc/codec"
	"group-rpc/loadbalance"
	"group-rpc/manager"
	"group-rpc/message"
	"group-rpc/middleware"
	"group-rpc/pending"
	"group-rpc/protocol"
	"group-rpc/registry"
	"group-rpc/service"
)

type Config struct {
	Subgroup uint32
	Codec    codec.CodecType
	// Balancer chooses the target of Call. Defaults to round robin.
	Balancer loadbalance.Balancer
	// Middlewares wrap the round trip of Call and CallKey, first one
	// outermost.
	Middlewares []middleware.Middleware
}

type Invoker struct {
	mgr  *manager.Manager
	reg  *registry.Registry
	cfg  Config
	cdc  codec.Codec
	ring *loadbalance.ConsistentHashBalancer

	handler middleware.HandlerFunc

	seq      atomic.Uint64
	mu       sync.Mutex
	calls    map[uint64]*pending.Call
	replyOps map[protocol.Opcode]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New creates an invoker sending through mgr. reg must be the registry mgr
// dispatches from.
func New(mgr *manager.Manager, reg *registry.Registry, cfg Config) *Invoker {
	if cfg.Balancer == nil {
		cfg.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	inv := &Invoker{
		mgr:      mgr,
		reg:      reg,
		cfg:      cfg,
		cdc:      codec.GetCodec(cfg.Codec),
		ring:     loadbalance.NewConsistentHashBalancer(),
		calls:    make(map[uint64]*pending.Call),
		replyOps: make(map[protocol.Opcode]struct{}),
		done:     make(chan struct{}),
	}
	inv.handler = middleware.Chain(cfg.Middlewares...)(inv.roundTrip)
	return inv
}

// Future is an issued call.
type Future struct {
	ID   uint64
	Call *pending.Call
}

// Wait blocks until every destination has replied or failed.
func (f *Future) Wait(ctx context.Context) ([]pending.Result, error) {
	return f.Call.Wait(ctx)
}

// Get waits for node's reply and decodes it into reply.
func (f *Future) Get(ctx context.Context, node protocol.NodeID, reply any) error {
	payload, err := f.Call.Get(ctx, node)
	if err != nil {
		return err
	}
	return Decode(pending.Result{Node: node, State: pending.StateReplied, Payload: payload}, reply)
}

// Decode unmarshals the reply held by r, or returns the failure it records.
func Decode(r pending.Result, reply any) error {
	switch r.State {
	case pending.StateFailed:
		return r.Err
	case pending.StatePending:
		return errors.Errorf("node %d has not replied", r.Node)
	}
	if reply == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(r.Payload, reply), "failed to decode reply of node %d", r.Node)
}

func (inv *Invoker) request(serviceMethod string, args any) (protocol.Opcode, uint64, []byte, error) {
	op, err := service.Opcode(serviceMethod, inv.cfg.Subgroup)
	if err != nil {
		return op, 0, nil, err
	}
	argBytes, err := json.Marshal(args)
	if err != nil {
		return op, 0, nil, errors.Wrapf(err, "failed to encode %s arguments", serviceMethod)
	}
	id := inv.seq.Add(1)
	payload, err := inv.cdc.Encode(&message.RPCMessage{InvocationID: id, Payload: argBytes})
	if err != nil {
		return op, 0, nil, err
	}
	return op, id, payload, nil
}

// track starts routing replies for invocation id to a new call.
func (inv *Invoker) track(op protocol.Opcode, id uint64) (*pending.Call, error) {
	c := pending.NewCall()

	inv.mu.Lock()
	if _, ok := inv.replyOps[op.Reply()]; !ok {
		if err := inv.reg.Register(op.Reply(), inv.onReply); err != nil {
			inv.mu.Unlock()
			return nil, err
		}
		inv.replyOps[op.Reply()] = struct{}{}
	}
	inv.calls[id] = c
	inv.mu.Unlock()

	go func() {
		select {
		case <-c.Done():
		case <-inv.done:
		}
		inv.mu.Lock()
		delete(inv.calls, id)
		inv.mu.Unlock()
	}()
	return c, nil
}

// abandon completes a call whose request never left this node.
func abandon(c *pending.Call) {
	c.Fulfill(nil)
}

func (inv *Invoker) onReply(from protocol.NodeID, payload []byte, _ registry.Allocator) registry.Reply {
	resp := &message.RPCMessage{}
	if err := inv.cdc.Decode(payload, resp); err != nil {
		return registry.Reply{Exception: errors.Wrapf(err, "failed to decode reply from node %d", from)}
	}

	inv.mu.Lock()
	c, ok := inv.calls[resp.InvocationID]
	inv.mu.Unlock()
	if !ok {
		return registry.Reply{Exception: errors.Errorf("reply from node %d for unknown invocation %d", from, resp.InvocationID)}
	}

	var err error
	if rerr := resp.Err(); rerr != nil {
		err = c.SetException(from, rerr)
	} else {
		err = c.SetReply(from, append([]byte(nil), resp.Payload...))
	}
	if err != nil {
		logrus.WithError(err).WithField("invocation", resp.InvocationID).Debug("Dropped reply")
	}
	return registry.Reply{Exception: resp.Err()}
}

// OrderedCall multicasts serviceMethod to dests, or to every member when
// dests is empty. All members see ordered calls in the same order.
func (inv *Invoker) OrderedCall(ctx context.Context, serviceMethod string, dests []protocol.NodeID, args any) (*Future, error) {
	op, id, payload, err := inv.request(serviceMethod, args)
	if err != nil {
		return nil, err
	}
	c, err := inv.track(op, id)
	if err != nil {
		return nil, err
	}
	if err := inv.mgr.SendMulticast(ctx, op.SubgroupID, dests, op, payload, c); err != nil {
		abandon(c)
		return nil, err
	}
	return &Future{ID: id, Call: c}, nil
}

// P2PCall sends serviceMethod to node alone.
func (inv *Invoker) P2PCall(node protocol.NodeID, serviceMethod string, args any) (*Future, error) {
	op, id, payload, err := inv.request(serviceMethod, args)
	if err != nil {
		return nil, err
	}
	c, err := inv.track(op, id)
	if err != nil {
		return nil, err
	}
	if err := inv.mgr.SendP2P(node, op, payload, c); err != nil {
		abandon(c)
		return nil, err
	}
	return &Future{ID: id, Call: c}, nil
}

type pickFunc func() (protocol.NodeID, error)

type pickKey struct{}

// Call invokes serviceMethod on one other member chosen by the balancer
// and decodes its reply.
func (inv *Invoker) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	return inv.call(ctx, serviceMethod, args, reply, func() (protocol.NodeID, error) {
		return inv.cfg.Balancer.Pick(inv.peers())
	})
}

// CallKey is Call with the member chosen by consistent hashing of key, so
// calls with the same key go to the same member while it stays in the group.
func (inv *Invoker) CallKey(ctx context.Context, key, serviceMethod string, args, reply any) error {
	return inv.call(ctx, serviceMethod, args, reply, func() (protocol.NodeID, error) {
		inv.ring.Sync(inv.peers())
		return inv.ring.Pick(key)
	})
}

func (inv *Invoker) call(ctx context.Context, serviceMethod string, args, reply any, pick pickFunc) error {
	if _, err := service.Opcode(serviceMethod, inv.cfg.Subgroup); err != nil {
		return err
	}
	argBytes, err := json.Marshal(args)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s arguments", serviceMethod)
	}

	ctx = context.WithValue(ctx, pickKey{}, pick)
	ctx = middleware.WithCallInfo(ctx, middleware.CallInfo{Method: serviceMethod})
	resp := inv.handler(ctx, &message.RPCMessage{Payload: argBytes})
	if err := resp.Err(); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return errors.Wrapf(json.Unmarshal(resp.Payload, reply), "failed to decode %s reply", serviceMethod)
}

func unavailable(req *message.RPCMessage, err error) *message.RPCMessage {
	return &message.RPCMessage{
		InvocationID: req.InvocationID,
		ErrorKind:    message.KindUnavailable,
		Error:        err.Error(),
	}
}

// roundTrip sends one attempt of a Call and waits for its reply.
func (inv *Invoker) roundTrip(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	info, _ := middleware.CallInfoFrom(ctx)
	pick, _ := ctx.Value(pickKey{}).(pickFunc)
	if pick == nil {
		return unavailable(req, errors.New("no node picker"))
	}
	node, err := pick()
	if err != nil {
		return unavailable(req, err)
	}

	f, err := inv.P2PCall(node, info.Method, json.RawMessage(req.Payload))
	if err != nil {
		return unavailable(req, err)
	}
	payload, err := f.Call.Get(ctx, node)
	if err != nil {
		resp := &message.RPCMessage{InvocationID: req.InvocationID}
		var re *message.RemoteError
		switch {
		case errors.As(err, &re):
			resp.SetErr(re)
		case ctx.Err() != nil:
			resp.ErrorKind, resp.Error = message.KindTimeout, err.Error()
		default:
			return unavailable(req, err)
		}
		return resp
	}
	return &message.RPCMessage{InvocationID: req.InvocationID, Payload: payload}
}

func (inv *Invoker) peers() []protocol.NodeID {
	members := inv.mgr.Members()
	peers := members[:0]
	for _, node := range members {
		if node != inv.mgr.Self() {
			peers = append(peers, node)
		}
	}
	return peers
}

// Close stops routing replies. Calls still in flight stay unresolved.
func (inv *Invoker) Close() {
	inv.closeOnce.Do(func() {
		close(inv.done)
		inv.mu.Lock()
		for op := range inv.replyOps {
			inv.reg.Unregister(op)
		}
		inv.replyOps = make(map[protocol.Opcode]struct{})
		inv.mu.Unlock()
	})
}
