package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

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

const leaveTimeout = 5 * time.Second

func ServeCmd() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Join a group tracked in etcd and serve the Store service point-to-point",
		Flags: []cli.Flag{
			cli.UintFlag{
				Name:  "node-id",
				Usage: "Id of this member, unique within the group",
			},
			cli.StringFlag{
				Name:  "listen",
				Value: "127.0.0.1:0",
			},
			cli.StringFlag{
				Name:  "advertise",
				Usage: "Address peers dial, defaults to the listen address",
			},
			cli.StringSliceFlag{
				Name:  "etcd",
				Value: (*cli.StringSlice)(&[]string{"127.0.0.1:2379"}),
			},
			cli.StringFlag{
				Name:  "group",
				Value: "default",
			},
			cli.Int64Flag{
				Name:  "ttl",
				Value: 10,
				Usage: "Membership lease TTL in seconds",
			},
			cli.Float64Flag{
				Name:  "rate",
				Value: 1000,
				Usage: "Calls per second the Store service accepts",
			},
			cli.IntFlag{
				Name:  "burst",
				Value: 100,
			},
			cli.DurationFlag{
				Name:  "handler-timeout",
				Value: 5 * time.Second,
			},
			cli.StringFlag{
				Name:  "balancer",
				Value: "roundrobin",
				Usage: "How the probe picks a peer, roundrobin or random",
			},
			cli.StringSliceFlag{
				Name:  "weight",
				Usage: "Peer weight for the random balancer as node=weight, repeatable",
			},
			cli.DurationFlag{
				Name:  "probe-interval",
				Value: 10 * time.Second,
				Usage: "How often to ask a peer for its Store stats, 0 to disable",
			},
		},
		Action: func(c *cli.Context) {
			if err := serve(c); err != nil {
				logrus.WithError(err).Fatal("Error running serve command")
			}
		},
	}
}

func serve(c *cli.Context) error {
	if c.Uint("node-id") == 0 {
		return errors.New("--node-id is required")
	}
	self := protocol.NodeID(c.Uint("node-id"))
	ct, err := codec.ParseCodecType(c.GlobalString("codec"))
	if err != nil {
		return err
	}
	balancer, err := newBalancer(c.String("balancer"), c.StringSlice("weight"))
	if err != nil {
		return err
	}

	pool, err := transport.NewPool(transport.PoolConfig{Self: self, ListenAddr: c.String("listen")})
	if err != nil {
		return err
	}
	view, err := membership.NewEtcdView(membership.EtcdConfig{
		Endpoints: c.StringSlice("etcd"),
		Group:     c.String("group"),
		TTL:       c.Int64("ttl"),
	})
	if err != nil {
		pool.Close()
		return err
	}
	defer view.Close()

	reg := registry.New()
	if _, err := service.Register(reg, NewStore(), 0, codec.GetCodec(ct),
		middleware.LoggingMiddleware(),
		middleware.RateLimitMiddleware(c.Float64("rate"), c.Int("burst")),
		middleware.TimeoutMiddleware(c.Duration("handler-timeout")),
	); err != nil {
		pool.Close()
		return err
	}
	mgr := manager.New(manager.Config{Self: self, MaxFrameSize: c.GlobalInt("max-frame-size")}, reg, view, nil, pool)
	defer func() {
		if err := mgr.Stop(); err != nil {
			logrus.WithError(err).Warn("Failed to stop RPC manager")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	advertise := c.String("advertise")
	if advertise == "" {
		advertise = pool.Addr()
	}
	if err := view.Join(ctx, membership.Member{ID: self, Addr: advertise}); err != nil {
		return err
	}
	defer func() {
		leaveCtx, done := context.WithTimeout(context.Background(), leaveTimeout)
		defer done()
		if err := view.Leave(leaveCtx, self); err != nil {
			logrus.WithError(err).Warn("Failed to leave group")
		}
	}()

	newMembers, oldMembers, err := view.Refresh(ctx)
	if err != nil {
		return err
	}
	if err := mgr.OnMembershipChange(newMembers, oldMembers); err != nil {
		logrus.WithError(err).Warn("Failed to connect to some members")
	}
	mgr.Start()

	go func() {
		err := view.Watch(ctx, func(newMembers, oldMembers []protocol.NodeID) {
			if err := mgr.OnMembershipChange(newMembers, oldMembers); err != nil {
				logrus.WithError(err).Warn("Failed to connect to some members")
			}
		})
		if err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("Membership watch stopped")
		}
	}()

	inv := client.New(mgr, reg, client.Config{
		Codec:    ct,
		Balancer: balancer,
		Middlewares: []middleware.Middleware{
			middleware.LoggingMiddleware(),
			middleware.RetryMiddleware(3, 50*time.Millisecond),
			middleware.TimeoutMiddleware(c.Duration("handler-timeout")),
		},
	})
	defer inv.Close()

	logrus.WithFields(logrus.Fields{
		"node":    self,
		"address": advertise,
		"members": view.Members(),
	}).Info("Serving")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	var tick <-chan time.Time
	if interval := c.Duration("probe-interval"); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case sig := <-sigs:
			logrus.Infof("Received %v, leaving group", sig)
			return nil
		case <-tick:
			var stats StatsReply
			if err := inv.Call(ctx, "Store.Stats", &StatsArgs{}, &stats); err != nil {
				logrus.WithError(err).Debug("No peer answered")
				continue
			}
			logrus.WithFields(logrus.Fields{"keys": stats.Keys, "version": stats.Version}).Info("Peer store stats")
		}
	}
}

// newBalancer builds the named balancer. Weights only apply to the random
// one.
func newBalancer(name string, weights []string) (loadbalance.Balancer, error) {
	b, err := loadbalance.New(name)
	if err != nil {
		return nil, err
	}
	if len(weights) == 0 {
		return b, nil
	}
	wr, ok := b.(*loadbalance.WeightedRandomBalancer)
	if !ok {
		return nil, errors.Errorf("--weight needs the random balancer, not %s", b.Name())
	}
	for _, w := range weights {
		parts := strings.SplitN(w, "=", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("invalid weight %q, expected node=weight", w)
		}
		node, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid node in weight %q", w)
		}
		weight, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid weight %q", w)
		}
		wr.SetWeight(protocol.NodeID(node), weight)
	}
	return wr, nil
}
