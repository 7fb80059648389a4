package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"go.uber.org/multierr"

	"group-rpc/client"
	"group-rpc/codec"
	"group-rpc/loadbalance"
	"group-rpc/manager"
	"group-rpc/membership"
	"group-rpc/middleware"
	"group-rpc/protocol"
	"group-rpc/registry"
	"group-rpc/service"
	"group-rpc/transport"
)

func DemoCmd() cli.Command {
	return cli.Command{
		Name:  "demo",
		Usage: "Run a group in this process, replicate a few keys and read them back",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "nodes",
				Value: 3,
			},
			cli.IntFlag{
				Name:  "keys",
				Value: 5,
			},
			cli.StringFlag{
				Name:  "balancer",
				Value: "roundrobin",
				Usage: "How Store.Stats calls pick a peer, roundrobin or random",
			},
			cli.DurationFlag{
				Name:  "timeout",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) {
			if err := demo(c); err != nil {
				logrus.WithError(err).Fatal("Error running demo command")
			}
		},
	}
}

type demoNode struct {
	id      protocol.NodeID
	view    *membership.StaticView
	mgr     *manager.Manager
	invoker *client.Invoker
}

func (n *demoNode) close() error {
	n.invoker.Close()
	return n.mgr.Stop()
}

func startGroup(n, maxFrameSize int, ct codec.CodecType, balancer string, bus *transport.LocalGroup) (nodes []*demoNode, err error) {
	pools := make([]*transport.Pool, 0, n)
	members := make([]membership.Member, 0, n)
	defer func() {
		if err == nil {
			return
		}
		for _, nd := range nodes {
			nd.close()
		}
		for _, pool := range pools[len(nodes):] {
			pool.Close()
		}
	}()

	for i := 1; i <= n; i++ {
		id := protocol.NodeID(i)
		pool, err := transport.NewPool(transport.PoolConfig{Self: id, ListenAddr: "127.0.0.1:0"})
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
		members = append(members, membership.Member{ID: id, Addr: pool.Addr()})
	}

	for i, pool := range pools {
		id := members[i].ID
		view := membership.NewStaticView()
		b, err := loadbalance.New(balancer)
		if err != nil {
			return nodes, err
		}
		reg := registry.New()
		if _, err := service.Register(reg, NewStore(), 0, codec.GetCodec(ct), middleware.LoggingMiddleware()); err != nil {
			return nodes, err
		}

		var mgr *manager.Manager
		ep := bus.Join(id, func(sender protocol.NodeID, buf []byte) {
			if err := mgr.OnMulticastDelivery(sender, buf); err != nil {
				logrus.WithError(err).WithField("node", id).Error("Failed to handle multicast")
			}
		})
		mgr = manager.New(manager.Config{Self: id, MaxFrameSize: maxFrameSize}, reg, view, ep, pool)

		newMembers, oldMembers := view.Install(members)
		if err := mgr.OnMembershipChange(newMembers, oldMembers); err != nil {
			return nodes, err
		}
		mgr.Start()
		nodes = append(nodes, &demoNode{
			id:      id,
			view:    view,
			mgr:     mgr,
			invoker: client.New(mgr, reg, client.Config{Codec: ct, Balancer: b}),
		})
	}
	return nodes, nil
}

func demo(c *cli.Context) (err error) {
	if c.Int("nodes") < 2 {
		return errors.New("the demo needs at least 2 nodes")
	}
	ct, err := codec.ParseCodecType(c.GlobalString("codec"))
	if err != nil {
		return err
	}
	maxFrameSize := c.GlobalInt("max-frame-size")

	bus := transport.NewLocalGroup(maxFrameSize, 256)
	defer bus.Close()
	nodes, err := startGroup(c.Int("nodes"), maxFrameSize, ct, c.String("balancer"), bus)
	if err != nil {
		return err
	}
	defer func() {
		for _, nd := range nodes {
			err = multierr.Append(err, nd.close())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	tw := tabwriter.NewWriter(os.Stdout, 0, 20, 1, ' ', 0)
	format := "%s\t%v\t%v\t%v\n"
	fmt.Fprintf(tw, format, "CALL", "NODE", "RESULT", "ERROR")

	// Writers take turns so every member issues ordered calls.
	for k := 0; k < c.Int("keys"); k++ {
		writer := nodes[k%len(nodes)]
		args := &PutArgs{Key: fmt.Sprintf("key-%d", k), Value: fmt.Sprintf("value-%d", k)}
		f, err := writer.invoker.OrderedCall(ctx, "Store.Put", nil, args)
		if err != nil {
			return err
		}
		results, err := f.Wait(ctx)
		if err != nil {
			return err
		}
		for _, r := range results {
			var reply PutReply
			derr := client.Decode(r, &reply)
			fmt.Fprintf(tw, format, "put "+args.Key, r.Node, reply.Version, derr)
		}
	}

	// The last member leaves; the others see the view change.
	leaving := nodes[len(nodes)-1]
	bus.Leave(leaving.id)
	var remaining []membership.Member
	for _, nd := range nodes[:len(nodes)-1] {
		addr, _ := nd.view.AddressOf(nd.id)
		remaining = append(remaining, membership.Member{ID: nd.id, Addr: addr})
	}
	for _, nd := range nodes[:len(nodes)-1] {
		newMembers, oldMembers := nd.view.Install(remaining)
		if err := nd.mgr.OnMembershipChange(newMembers, oldMembers); err != nil {
			return err
		}
	}

	for _, nd := range nodes[:len(nodes)-1] {
		var reply GetReply
		key := "key-0"
		err := nd.invoker.CallKey(ctx, key, "Store.Get", &GetArgs{Key: key}, &reply)
		fmt.Fprintf(tw, format, "get "+key, nd.id, reply.Value, err)
	}

	for _, nd := range nodes[:len(nodes)-1] {
		var stats StatsReply
		err := nd.invoker.Call(ctx, "Store.Stats", &StatsArgs{}, &stats)
		fmt.Fprintf(tw, format, "stats", nd.id, fmt.Sprintf("%d keys", stats.Keys), err)
	}
	return tw.Flush()
}
