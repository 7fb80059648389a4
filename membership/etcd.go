package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"group-rpc/protocol"
)

const (
	defaultTTL         = 10
	defaultDialTimeout = 5 * time.Second
)

type EtcdConfig struct {
	Endpoints   []string
	Group       string
	TTL         int64 // lease TTL in seconds
	DialTimeout time.Duration
}

// EtcdView keeps the group view in etcd, which acts as the group's
// membership oracle:
//
//	Key:   /group-rpc/{group}/members/{nodeID}
//	Value: JSON-encoded Member
//
// Each member registers under a TTL lease kept alive in the background. If
// the process dies, the lease expires and the entry disappears, which every
// watcher observes as the node leaving.
type EtcdView struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	ttl    int64
	view   *StaticView

	mu    sync.Mutex
	lease clientv3.LeaseID
}

func NewEtcdView(cfg EtcdConfig) (*EtcdView, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to etcd")
	}
	return &EtcdView{
		client: c,
		prefix: "/group-rpc/" + cfg.Group + "/members/",
		ttl:    cfg.TTL,
		view:   NewStaticView(),
	}, nil
}

func (v *EtcdView) key(node protocol.NodeID) string {
	return fmt.Sprintf("%s%d", v.prefix, node)
}

// Join registers self under a TTL lease and keeps the lease alive until
// Leave or Close.
func (v *EtcdView) Join(ctx context.Context, self Member) error {
	lease, err := v.client.Grant(ctx, v.ttl)
	if err != nil {
		return errors.Wrap(err, "failed to grant membership lease")
	}

	val, err := json.Marshal(self)
	if err != nil {
		return err
	}
	if _, err := v.client.Put(ctx, v.key(self.ID), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "failed to register node %d", self.ID)
	}

	// The keepalive must outlive ctx, which usually only bounds the join.
	ch, err := v.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "failed to keep membership lease alive")
	}
	go func() {
		for range ch {
		}
		logrus.WithField("node", self.ID).Debug("Membership lease keepalive stopped")
	}()

	v.mu.Lock()
	v.lease = lease.ID
	v.mu.Unlock()
	return nil
}

// Leave removes self from the group and revokes its lease.
func (v *EtcdView) Leave(ctx context.Context, self protocol.NodeID) error {
	if _, err := v.client.Delete(ctx, v.key(self)); err != nil {
		return errors.Wrapf(err, "failed to deregister node %d", self)
	}
	v.mu.Lock()
	lease := v.lease
	v.lease = clientv3.NoLease
	v.mu.Unlock()
	if lease != clientv3.NoLease {
		if _, err := v.client.Revoke(ctx, lease); err != nil {
			return errors.Wrap(err, "failed to revoke membership lease")
		}
	}
	return nil
}

// Refresh reads the registered members and installs them as the current
// view, returning the member ids after and before.
func (v *EtcdView) Refresh(ctx context.Context) (newMembers, oldMembers []protocol.NodeID, err error) {
	resp, err := v.client.Get(ctx, v.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to list members")
	}

	members := make([]Member, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m Member
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			logrus.WithError(err).Warnf("Skipping malformed member entry %s", kv.Key)
			continue
		}
		members = append(members, m)
	}
	newMembers, oldMembers = v.view.Install(members)
	return newMembers, oldMembers, nil
}

// Watch installs a fresh view whenever the registrations change and calls
// onChange after each install that altered the member set. It returns when
// ctx is done.
func (v *EtcdView) Watch(ctx context.Context, onChange func(newMembers, oldMembers []protocol.NodeID)) error {
	watchChan := v.client.Watch(ctx, v.prefix, clientv3.WithPrefix())
	for resp := range watchChan {
		if err := resp.Err(); err != nil {
			return errors.Wrap(err, "membership watch failed")
		}
		newMembers, oldMembers, err := v.Refresh(ctx)
		if err != nil {
			logrus.WithError(err).Warn("Failed to refresh membership view")
			continue
		}
		removed, joined := Diff(newMembers, oldMembers)
		if len(removed) == 0 && len(joined) == 0 {
			continue
		}
		onChange(newMembers, oldMembers)
	}
	return ctx.Err()
}

func (v *EtcdView) Members() []protocol.NodeID {
	return v.view.Members()
}

func (v *EtcdView) AddressOf(node protocol.NodeID) (string, bool) {
	return v.view.AddressOf(node)
}

func (v *EtcdView) Close() error {
	return v.client.Close()
}
