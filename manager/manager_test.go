package manager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"group-rpc/membership"
	"group-rpc/pending"
	"group-rpc/protocol"
	"group-rpc/registry"
	"group-rpc/transport"
)

var echoOp = protocol.Opcode{ClassID: 1, SubgroupID: 0, FunctionID: 1}

var errNoPeer = errors.New("fake pool: no such peer")

// fakeNet connects fakePools in memory. A write appends the whole frame to
// the destination's inbound buffer for the writer.
type fakeNet struct {
	mu    sync.Mutex
	pools map[protocol.NodeID]*fakePool
}

func newFakeNet() *fakeNet {
	return &fakeNet{pools: make(map[protocol.NodeID]*fakePool)}
}

func (n *fakeNet) join(id protocol.NodeID) *fakePool {
	p := &fakePool{
		net:     n,
		self:    id,
		peers:   make(map[protocol.NodeID]string),
		inbound: make(map[protocol.NodeID][]byte),
	}
	n.mu.Lock()
	n.pools[id] = p
	n.mu.Unlock()
	return p
}

type fakePool struct {
	net  *fakeNet
	self protocol.NodeID

	mu      sync.Mutex
	peers   map[protocol.NodeID]string
	inbound map[protocol.NodeID][]byte
	mute    bool

	probing            atomic.Int32
	closed             atomic.Bool
	closedWhileProbing atomic.Bool
}

func (p *fakePool) AddNode(node protocol.NodeID, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[node] = addr
	return nil
}

func (p *fakePool) DeleteNode(node protocol.NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.peers, node)
	delete(p.inbound, node)
	return nil
}

func (p *fakePool) hasPeer(node protocol.NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.peers[node]
	return ok
}

func (p *fakePool) Write(node protocol.NodeID, buf []byte) error {
	p.mu.Lock()
	_, ok := p.peers[node]
	mute := p.mute
	p.mu.Unlock()
	if !ok {
		return errNoPeer
	}
	if mute {
		return nil
	}
	p.net.mu.Lock()
	target := p.net.pools[node]
	p.net.mu.Unlock()
	if target == nil {
		return errNoPeer
	}
	target.mu.Lock()
	target.inbound[p.self] = append(target.inbound[p.self], buf...)
	target.mu.Unlock()
	return nil
}

func (p *fakePool) Read(node protocol.NodeID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.inbound[node]
	if len(data) < len(buf) {
		return io.ErrUnexpectedEOF
	}
	copy(buf, data)
	p.inbound[node] = data[len(buf):]
	return nil
}

func (p *fakePool) ProbeAll() (protocol.NodeID, bool) {
	p.probing.Add(1)
	defer p.probing.Add(-1)
	p.mu.Lock()
	for node, data := range p.inbound {
		if len(data) > 0 {
			p.mu.Unlock()
			return node, true
		}
	}
	p.mu.Unlock()
	time.Sleep(time.Millisecond)
	return 0, false
}

func (p *fakePool) Close() error {
	p.closedWhileProbing.Store(p.probing.Load() > 0)
	p.closed.Store(true)
	return nil
}

// echo replies with the request followed by the replying node's id.
func echo(self protocol.NodeID) registry.Handler {
	return func(from protocol.NodeID, payload []byte, alloc registry.Allocator) registry.Reply {
		msg := append([]byte(nil), payload...)
		buf := alloc(len(msg) + 1)
		if buf == nil {
			return registry.Reply{}
		}
		copy(buf, msg)
		buf[len(msg)] = byte(self)
		return registry.Reply{Payload: buf, Opcode: echoOp.Reply(), Size: len(buf)}
	}
}

type testGroup struct {
	bus      *transport.LocalGroup
	net      *fakeNet
	views    map[protocol.NodeID]*membership.StaticView
	pools    map[protocol.NodeID]*fakePool
	regs     map[protocol.NodeID]*registry.Registry
	managers map[protocol.NodeID]*Manager

	calls sync.Map
	seq   atomic.Uint64
}

func (g *testGroup) onReply(from protocol.NodeID, payload []byte, alloc registry.Allocator) registry.Reply {
	seq := binary.BigEndian.Uint64(payload)
	c, ok := g.calls.Load(seq)
	if !ok {
		return registry.Reply{Exception: fmt.Errorf("no call %d", seq)}
	}
	if err := c.(*pending.Call).SetReply(from, append([]byte(nil), payload[8:]...)); err != nil {
		return registry.Reply{Exception: err}
	}
	return registry.Reply{}
}

func newTestGroup(t *testing.T, ids ...protocol.NodeID) *testGroup {
	g := &testGroup{
		bus:      transport.NewLocalGroup(4096, 16),
		net:      newFakeNet(),
		views:    make(map[protocol.NodeID]*membership.StaticView),
		pools:    make(map[protocol.NodeID]*fakePool),
		regs:     make(map[protocol.NodeID]*registry.Registry),
		managers: make(map[protocol.NodeID]*Manager),
	}
	var members []membership.Member
	for _, id := range ids {
		members = append(members, membership.Member{ID: id, Addr: fmt.Sprintf("node-%d", id)})
	}

	for _, id := range ids {
		reg := registry.New()
		if err := reg.Register(echoOp, echo(id)); err != nil {
			t.Fatal(err)
		}
		if err := reg.Register(echoOp.Reply(), g.onReply); err != nil {
			t.Fatal(err)
		}
		pool := g.net.join(id)
		for _, other := range ids {
			if other != id {
				pool.AddNode(other, fmt.Sprintf("node-%d", other))
			}
		}
		view := membership.NewStaticView(members...)

		var m *Manager
		ep := g.bus.Join(id, func(sender protocol.NodeID, buf []byte) {
			if err := m.OnMulticastDelivery(sender, buf); err != nil {
				logrus.WithError(err).Error("Multicast delivery failed")
			}
		})
		m = New(Config{Self: id}, reg, view, ep, pool)
		m.Start()

		g.views[id], g.pools[id], g.regs[id], g.managers[id] = view, pool, reg, m
	}

	t.Cleanup(func() {
		g.bus.Close()
		for _, m := range g.managers {
			m.Stop()
		}
	})
	return g
}

func (g *testGroup) newCall() (*pending.Call, []byte) {
	seq := g.seq.Add(1)
	c := pending.NewCall()
	g.calls.Store(seq, c)
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, seq)
	return c, payload
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func checkReplies(t *testing.T, c *pending.Call, want ...protocol.NodeID) {
	t.Helper()
	results, err := c.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("call %v never completed: %v", c.ID, err)
	}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), results)
	}
	for i, r := range results {
		if r.Node != want[i] {
			t.Fatalf("result %d from node %d, expected %d", i, r.Node, want[i])
		}
		if r.State != pending.StateReplied || len(r.Payload) != 1 || r.Payload[0] != byte(r.Node) {
			t.Fatalf("unexpected result from node %d: %+v", r.Node, r)
		}
	}
}

func TestHandleReceive(t *testing.T) {
	reg := registry.New()
	reg.Register(echoOp, echo(7))
	m := New(Config{Self: 7}, reg, membership.NewStaticView(), nil, newFakeNet().join(7))

	if _, err := m.HandleReceive(protocol.Opcode{ClassID: 9}, 1, nil, nil); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode, got %v", err)
	}

	space := make([]byte, 64)
	d, err := m.HandleReceive(echoOp, 3, []byte("hi"), func(size int) []byte { return space[:size] })
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Reply) != protocol.HeaderSize+3 {
		t.Fatalf("unexpected reply length %d", len(d.Reply))
	}
	h, err := protocol.ReadHeader(d.Reply)
	if err != nil {
		t.Fatal(err)
	}
	if h.Sender != 7 || h.Opcode != echoOp.Reply() || h.PayloadSize != 3 {
		t.Fatalf("unexpected reply header %+v", h)
	}
	if string(d.Reply[protocol.HeaderSize:]) != "hi\x07" {
		t.Fatalf("unexpected reply payload %q", d.Reply[protocol.HeaderSize:])
	}
}

func TestReplyThatDoesNotFitIsDropped(t *testing.T) {
	reg := registry.New()
	reg.Register(echoOp, echo(1))
	m := New(Config{Self: 1}, reg, membership.NewStaticView(), nil, newFakeNet().join(1))

	small := make([]byte, protocol.HeaderSize+2)
	d, err := m.HandleReceive(echoOp, 2, []byte("hello"), func(size int) []byte {
		if size > len(small) {
			return nil
		}
		return small[:size]
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Reply != nil {
		t.Fatal("reply larger than the reply space must not be sent")
	}
}

func TestHandlerContractViolation(t *testing.T) {
	reg := registry.New()
	reg.Register(echoOp, func(protocol.NodeID, []byte, registry.Allocator) registry.Reply {
		return registry.Reply{Payload: []byte("own"), Size: 3}
	})
	reg.Register(echoOp.Reply(), func(_ protocol.NodeID, _ []byte, alloc registry.Allocator) registry.Reply {
		alloc(1)
		return registry.Reply{}
	})
	m := New(Config{Self: 1}, reg, membership.NewStaticView(), nil, newFakeNet().join(1))

	space := make([]byte, 64)
	_, err := m.HandleReceive(echoOp, 2, nil, func(size int) []byte { return space[:size] })
	if !errors.Is(err, ErrContractViolation) {
		t.Fatalf("reply outside the allocation: expected ErrContractViolation, got %v", err)
	}

	frame := make([]byte, protocol.HeaderSize)
	protocol.WriteHeader(frame, 0, echoOp.Reply(), 1)
	if _, err := m.replay(frame); !errors.Is(err, ErrContractViolation) {
		t.Fatalf("reply handler asking for space: expected ErrContractViolation, got %v", err)
	}
}

func TestHandleFrameRejectsTruncatedPayload(t *testing.T) {
	m := New(Config{Self: 1}, registry.New(), membership.NewStaticView(), nil, newFakeNet().join(1))
	frame := make([]byte, protocol.HeaderSize+2)
	protocol.WriteHeader(frame, 10, echoOp, 2)
	if _, err := m.HandleFrame(frame, nil); !errors.Is(err, protocol.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
	if _, err := m.HandleFrame(frame[:5], nil); !errors.Is(err, protocol.ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestMulticastToAllMembers(t *testing.T) {
	g := newTestGroup(t, 1, 2, 3)

	var calls []*pending.Call
	for i := 0; i < 5; i++ {
		c, payload := g.newCall()
		if err := g.managers[1].SendMulticast(waitCtx(t), 0, nil, echoOp, payload, c); err != nil {
			t.Fatal(err)
		}
		calls = append(calls, c)
	}
	for _, c := range calls {
		checkReplies(t, c, 1, 2, 3)
	}
	if unassigned, _ := g.managers[1].Pending().Len(); unassigned != 0 {
		t.Fatalf("%d calls never got destinations", unassigned)
	}
}

func TestMulticastToListedMembers(t *testing.T) {
	g := newTestGroup(t, 1, 2, 3)

	var served atomic.Int32
	g.regs[1].Unregister(echoOp)
	g.regs[1].Register(echoOp, func(protocol.NodeID, []byte, registry.Allocator) registry.Reply {
		served.Add(1)
		return registry.Reply{}
	})

	c, payload := g.newCall()
	if err := g.managers[1].SendMulticast(waitCtx(t), 0, []protocol.NodeID{2, 3}, echoOp, payload, c); err != nil {
		t.Fatal(err)
	}
	checkReplies(t, c, 2, 3)
	if served.Load() != 0 {
		t.Fatal("node outside the destination list handled the message")
	}
}

// askTooMuch asks for more reply space than any frame holds when the
// request carries seq, and echoes otherwise.
func askTooMuch(self protocol.NodeID, seq uint64) registry.Handler {
	next := echo(self)
	return func(from protocol.NodeID, payload []byte, alloc registry.Allocator) registry.Reply {
		if binary.BigEndian.Uint64(payload) != seq {
			return next(from, payload, alloc)
		}
		buf := alloc(100000)
		if buf == nil {
			return registry.Reply{}
		}
		return registry.Reply{Payload: buf, Opcode: echoOp.Reply(), Size: len(buf)}
	}
}

func TestOversizedMulticastReplyIsDropped(t *testing.T) {
	g := newTestGroup(t, 1, 2, 3)

	x, px := g.newCall()
	y, py := g.newCall()
	for id, reg := range g.regs {
		reg.Unregister(echoOp)
		reg.Register(echoOp, askTooMuch(id, binary.BigEndian.Uint64(px)))
	}
	if err := g.managers[1].SendMulticast(waitCtx(t), 0, nil, echoOp, px, x); err != nil {
		t.Fatal(err)
	}
	if err := g.managers[1].SendMulticast(waitCtx(t), 0, nil, echoOp, py, y); err != nil {
		t.Fatal(err)
	}

	// Every member handles x before y, so once y is done no reply to x
	// is still on its way.
	checkReplies(t, y, 1, 2, 3)
	dests, err := x.Destinations(waitCtx(t))
	if err != nil || len(dests) != 3 {
		t.Fatalf("x not assigned the members: %v, %v", dests, err)
	}
	for _, r := range x.Results() {
		if r.State != pending.StatePending {
			t.Fatalf("node %d answered a reply that does not fit: %+v", r.Node, r)
		}
	}
	if unassigned, _ := g.managers[1].Pending().Len(); unassigned != 0 {
		t.Fatalf("%d calls never got destinations", unassigned)
	}
}

func TestUntrackedMulticastKeepsQueueOrder(t *testing.T) {
	g := newTestGroup(t, 1, 2)

	untracked := make([]byte, 8)
	if err := g.managers[1].SendMulticast(waitCtx(t), 0, nil, echoOp, untracked, nil); err != nil {
		t.Fatal(err)
	}
	c, payload := g.newCall()
	if err := g.managers[1].SendMulticast(waitCtx(t), 0, nil, echoOp, payload, c); err != nil {
		t.Fatal(err)
	}
	checkReplies(t, c, 1, 2)
}

func TestLoopbackExceptionFailsOwnSlot(t *testing.T) {
	g := newTestGroup(t, 1, 2)
	boom := errors.New("boom")
	g.regs[1].Unregister(echoOp)
	g.regs[1].Register(echoOp, func(protocol.NodeID, []byte, registry.Allocator) registry.Reply {
		return registry.Reply{Exception: boom}
	})

	c, payload := g.newCall()
	if err := g.managers[1].SendMulticast(waitCtx(t), 0, nil, echoOp, payload, c); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(waitCtx(t), 1); !errors.Is(err, boom) {
		t.Fatalf("expected the local exception, got %v", err)
	}
	if reply, err := c.Get(waitCtx(t), 2); err != nil || len(reply) != 1 || reply[0] != 2 {
		t.Fatalf("unexpected reply from node 2: %v, %v", reply, err)
	}
}

func TestPrepareMulticastLimits(t *testing.T) {
	g := newTestGroup(t, 1)
	m := g.managers[1]
	if _, err := m.PrepareMulticast(0, nil, echoOp, 8192); !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := m.PrepareMulticast(1, nil, echoOp, 8); err == nil {
		t.Fatal("opcode of another subgroup accepted")
	}

	noMcast := New(Config{Self: 1}, registry.New(), membership.NewStaticView(), nil, newFakeNet().join(1))
	if _, err := noMcast.PrepareMulticast(0, nil, echoOp, 8); !errors.Is(err, ErrNoMulticast) {
		t.Fatalf("expected ErrNoMulticast, got %v", err)
	}
}

func TestP2PRoundTrip(t *testing.T) {
	g := newTestGroup(t, 1, 2)
	c, payload := g.newCall()
	if err := g.managers[1].SendP2P(2, echoOp, payload, c); err != nil {
		t.Fatal(err)
	}
	checkReplies(t, c, 2)
}

func TestP2PWriteFailureFailsCall(t *testing.T) {
	g := newTestGroup(t, 1)
	c, payload := g.newCall()
	err := g.managers[1].SendP2P(9, echoOp, payload, c)
	if !errors.Is(err, errNoPeer) {
		t.Fatalf("expected write error, got %v", err)
	}
	if _, err := c.Get(waitCtx(t), 9); !errors.Is(err, errNoPeer) {
		t.Fatalf("slot must fail with the write error, got %v", err)
	}
}

func TestOversizedP2PFrameIsSkipped(t *testing.T) {
	g := newTestGroup(t, 1, 2)

	// Scratch is one 4096 byte frame.
	frame := make([]byte, protocol.HeaderSize+5000)
	protocol.WriteHeader(frame, 5000, echoOp, 1)
	if err := g.pools[1].Write(2, frame); err != nil {
		t.Fatal(err)
	}
	c, payload := g.newCall()
	if err := g.managers[1].SendP2P(2, echoOp, payload, c); err != nil {
		t.Fatal(err)
	}
	checkReplies(t, c, 2)

	header := make([]byte, protocol.HeaderSize)
	protocol.WriteHeader(header, 1<<40, echoOp, 1)
	if err := g.pools[1].Write(2, header); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for g.pools[2].hasPeer(1) {
		if time.Now().After(deadline) {
			t.Fatal("connection kept after an impossible payload size")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMembershipChangeResolvesDepartedNodes(t *testing.T) {
	g := newTestGroup(t, 1, 2, 3)
	g.pools[3].mu.Lock()
	g.pools[3].mute = true
	g.pools[3].mu.Unlock()

	silent, payload := g.newCall()
	if err := g.managers[1].SendP2P(3, echoOp, payload, silent); err != nil {
		t.Fatal(err)
	}
	all, payload := g.newCall()
	if err := g.managers[1].SendMulticast(waitCtx(t), 0, nil, echoOp, payload, all); err != nil {
		t.Fatal(err)
	}
	if _, err := all.Destinations(waitCtx(t)); err != nil {
		t.Fatal(err)
	}

	newMembers, oldMembers := g.views[1].Install([]membership.Member{
		{ID: 1, Addr: "node-1"}, {ID: 2, Addr: "node-2"},
	})
	if err := g.managers[1].OnMembershipChange(newMembers, oldMembers); err != nil {
		t.Fatal(err)
	}

	if _, err := silent.Get(waitCtx(t), 3); !errors.Is(err, pending.ErrPeerRemoved) {
		t.Fatalf("expected ErrPeerRemoved, got %v", err)
	}
	results, err := all.Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if results[2].Node != 3 || !errors.Is(results[2].Err, pending.ErrPeerRemoved) {
		t.Fatalf("unexpected outcome for node 3: %+v", results[2])
	}
	if g.pools[1].hasPeer(3) {
		t.Fatal("connection to departed node kept")
	}
}

func TestMembershipChangeConnectsJoiners(t *testing.T) {
	g := newTestGroup(t, 1, 2)
	newMembers, oldMembers := g.views[1].Install([]membership.Member{
		{ID: 1, Addr: "node-1"}, {ID: 2, Addr: "node-2"}, {ID: 4, Addr: "node-4"},
	})
	err := g.managers[1].OnMembershipChange(append(newMembers, 5), oldMembers)
	if err == nil {
		t.Fatal("joiner without an address must be reported")
	}
	if !g.pools[1].hasPeer(4) {
		t.Fatal("joiner not connected")
	}
	if g.pools[1].hasPeer(1) {
		t.Fatal("node connected to itself")
	}
}

type stalledMulticast struct{}

func (stalledMulticast) MaxFrameSize() int                 { return 1024 }
func (stalledMulticast) Reserve(_ uint32, size int) []byte { return make([]byte, size) }
func (stalledMulticast) Send(uint32) bool                  { return false }

func TestStalledSendGivesUp(t *testing.T) {
	pool := newFakeNet().join(1)
	m := New(Config{Self: 1}, registry.New(), membership.NewStaticView(), stalledMulticast{}, pool)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	c := pending.NewCall()
	if err := m.SendMulticast(ctx, 0, nil, echoOp, nil, c); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if unassigned, _ := m.Pending().Len(); unassigned != 0 {
		t.Fatal("call of a message never admitted left queued")
	}

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := m.FinishMulticastSend(context.Background(), 0, nil, pending.NewCall()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestStopJoinsPollingLoop(t *testing.T) {
	pool := newFakeNet().join(1)
	m := New(Config{Self: 1}, registry.New(), membership.NewStaticView(), nil, pool)
	m.Start()
	m.Start()
	time.Sleep(10 * time.Millisecond)

	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	if !pool.closed.Load() {
		t.Fatal("pool not released")
	}
	if pool.closedWhileProbing.Load() {
		t.Fatal("pool released while the polling loop was still probing")
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
}
