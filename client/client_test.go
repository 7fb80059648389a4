package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"group-rpc/codec"
	"group-rpc/manager"
	"group-rpc/membership"
	"group-rpc/message"
	"group-rpc/middleware"
	"group-rpc/pending"
	"group-rpc/protocol"
	"group-rpc/registry"
	"group-rpc/service"
	"group-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Empty struct{}

type NodeReply struct {
	Node protocol.NodeID
}

type Arith struct {
	node    protocol.NodeID
	release <-chan struct{}

	mu    sync.Mutex
	total int
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("division by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Accumulate adds A to a running total and returns the new total. Members
// applying the same calls in the same order return the same totals.
func (a *Arith) Accumulate(args *Args, reply *Reply) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total = a.total*31 + args.A
	reply.Result = a.total
	return nil
}

func (a *Arith) Whoami(args *Empty, reply *NodeReply) error {
	reply.Node = a.node
	return nil
}

func (a *Arith) Block(args *Empty, reply *Empty) error {
	<-a.release
	return nil
}

type node struct {
	id      protocol.NodeID
	view    *membership.StaticView
	mgr     *manager.Manager
	invoker *Invoker
}

// newCluster starts n members joined by TCP connection pools and an
// in-process ordered multicast group.
func newCluster(t testing.TB, n int, ct codec.CodecType) []*node {
	t.Helper()
	bus := transport.NewLocalGroup(64<<10, 64)
	release := make(chan struct{})

	pools := make([]*transport.Pool, n)
	members := make([]membership.Member, n)
	for i := range pools {
		id := protocol.NodeID(i + 1)
		pool, err := transport.NewPool(transport.PoolConfig{Self: id, ListenAddr: "127.0.0.1:0"})
		if err != nil {
			t.Fatal(err)
		}
		pools[i] = pool
		members[i] = membership.Member{ID: id, Addr: pool.Addr()}
	}

	nodes := make([]*node, n)
	for i, pool := range pools {
		id := members[i].ID
		view := membership.NewStaticView(members...)
		for _, m := range members {
			if m.ID != id {
				if err := pool.AddNode(m.ID, m.Addr); err != nil {
					t.Fatal(err)
				}
			}
		}

		reg := registry.New()
		if _, err := service.Register(reg, &Arith{node: id, release: release}, 0, codec.GetCodec(ct)); err != nil {
			t.Fatal(err)
		}

		var mgr *manager.Manager
		ep := bus.Join(id, func(sender protocol.NodeID, buf []byte) {
			if err := mgr.OnMulticastDelivery(sender, buf); err != nil {
				logrus.WithError(err).Error("Multicast delivery failed")
			}
		})
		mgr = manager.New(manager.Config{Self: id}, reg, view, ep, pool)
		mgr.Start()

		nodes[i] = &node{
			id:      id,
			view:    view,
			mgr:     mgr,
			invoker: New(mgr, reg, Config{Codec: ct}),
		}
	}

	t.Cleanup(func() {
		close(release)
		bus.Close()
		for _, nd := range nodes {
			nd.invoker.Close()
			nd.mgr.Stop()
		}
	})
	return nodes
}

func waitCtx(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestOrderedCallReachesEveryMember(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		nodes := newCluster(t, 3, ct)

		f, err := nodes[0].invoker.OrderedCall(waitCtx(t), "Arith.Add", nil, &Args{A: 1, B: 2})
		if err != nil {
			t.Fatal(err)
		}
		results, err := f.Wait(waitCtx(t))
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %+v", results)
		}
		for _, r := range results {
			var reply Reply
			if err := Decode(r, &reply); err != nil || reply.Result != 3 {
				t.Fatalf("node %d: %+v, %v", r.Node, reply, err)
			}
		}
	}
}

func TestOrderedCallsAreTotallyOrdered(t *testing.T) {
	nodes := newCluster(t, 3, codec.CodecTypeBinary)

	var (
		mu      sync.Mutex
		futures []*Future
		wg      sync.WaitGroup
	)
	for _, nd := range nodes {
		wg.Add(1)
		go func(nd *node) {
			defer wg.Done()
			for i := 1; i <= 5; i++ {
				f, err := nd.invoker.OrderedCall(context.Background(), "Arith.Accumulate", nil, &Args{A: int(nd.id)*10 + i})
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				futures = append(futures, f)
				mu.Unlock()
			}
		}(nd)
	}
	wg.Wait()

	for _, f := range futures {
		results, err := f.Wait(waitCtx(t))
		if err != nil {
			t.Fatal(err)
		}
		var first Reply
		for i, r := range results {
			var reply Reply
			if err := Decode(r, &reply); err != nil {
				t.Fatal(err)
			}
			if i == 0 {
				first = reply
			} else if reply != first {
				t.Fatalf("members disagree on the order of call %d: %d vs %d", f.ID, first.Result, reply.Result)
			}
		}
	}
}

func TestOrderedCallToListedMembers(t *testing.T) {
	nodes := newCluster(t, 3, codec.CodecTypeBinary)

	f, err := nodes[0].invoker.OrderedCall(waitCtx(t), "Arith.Whoami", []protocol.NodeID{2, 3}, &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []protocol.NodeID{2, 3} {
		var reply NodeReply
		if err := f.Get(waitCtx(t), id, &reply); err != nil || reply.Node != id {
			t.Fatalf("node %d: %+v, %v", id, reply, err)
		}
	}
	dests, _ := f.Call.Destinations(waitCtx(t))
	if len(dests) != 2 {
		t.Fatalf("unexpected destinations %v", dests)
	}
}

func TestP2PCall(t *testing.T) {
	nodes := newCluster(t, 3, codec.CodecTypeJSON)

	f, err := nodes[0].invoker.P2PCall(3, "Arith.Whoami", &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	var reply NodeReply
	if err := f.Get(waitCtx(t), 3, &reply); err != nil || reply.Node != 3 {
		t.Fatalf("unexpected reply %+v, %v", reply, err)
	}
}

func TestCallSpreadsOverPeers(t *testing.T) {
	nodes := newCluster(t, 3, codec.CodecTypeBinary)

	seen := map[protocol.NodeID]int{}
	for i := 0; i < 4; i++ {
		var reply NodeReply
		if err := nodes[0].invoker.Call(waitCtx(t), "Arith.Whoami", &Empty{}, &reply); err != nil {
			t.Fatal(err)
		}
		seen[reply.Node]++
	}
	if seen[1] != 0 || seen[2] != 2 || seen[3] != 2 {
		t.Fatalf("unexpected spread %v", seen)
	}
}

func TestCallKeyIsSticky(t *testing.T) {
	nodes := newCluster(t, 3, codec.CodecTypeBinary)

	var first NodeReply
	for i := 0; i < 5; i++ {
		var reply NodeReply
		if err := nodes[1].invoker.CallKey(waitCtx(t), "user-42", "Arith.Whoami", &Empty{}, &reply); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = reply
		} else if reply != first {
			t.Fatalf("key moved from node %d to node %d", first.Node, reply.Node)
		}
	}
	if first.Node == 2 {
		t.Fatal("keyed call sent to the caller itself")
	}
}

func TestRemoteErrorSurfaces(t *testing.T) {
	nodes := newCluster(t, 2, codec.CodecTypeBinary)

	err := nodes[0].invoker.Call(waitCtx(t), "Arith.Div", &Args{A: 1}, &Reply{})
	var re *message.RemoteError
	if !errors.As(err, &re) || re.Kind != message.KindHandler || re.Message != "division by zero" {
		t.Fatalf("expected remote handler error, got %v", err)
	}

	f, err := nodes[0].invoker.OrderedCall(waitCtx(t), "Arith.Div", nil, &Args{A: 1})
	if err != nil {
		t.Fatal(err)
	}
	results, err := f.Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.State != pending.StateFailed || !errors.As(r.Err, &re) {
			t.Fatalf("node %d: expected remote error, got %+v", r.Node, r)
		}
	}

	if err := nodes[0].invoker.Call(waitCtx(t), "Arith", nil, nil); err == nil {
		t.Fatal("malformed method name accepted")
	}
}

func TestDepartedNodeFailsCall(t *testing.T) {
	nodes := newCluster(t, 3, codec.CodecTypeBinary)

	f, err := nodes[0].invoker.P2PCall(3, "Arith.Block", &Empty{})
	if err != nil {
		t.Fatal(err)
	}
	newMembers, oldMembers := nodes[0].view.Install([]membership.Member{
		{ID: 1, Addr: "unused"}, {ID: 2, Addr: "unused"},
	})
	if err := nodes[0].mgr.OnMembershipChange(newMembers, oldMembers); err != nil {
		t.Fatal(err)
	}
	if err := f.Get(waitCtx(t), 3, nil); !errors.Is(err, pending.ErrPeerRemoved) {
		t.Fatalf("expected ErrPeerRemoved, got %v", err)
	}
}

func TestCallGivesUpWithoutPeers(t *testing.T) {
	nodes := newCluster(t, 1, codec.CodecTypeBinary)
	inv := New(nodes[0].mgr, registry.New(), Config{
		Middlewares: []middleware.Middleware{middleware.RetryMiddleware(2, time.Millisecond)},
	})
	defer inv.Close()

	err := inv.Call(waitCtx(t), "Arith.Add", &Args{}, &Reply{})
	var re *message.RemoteError
	if !errors.As(err, &re) || re.Kind != message.KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
