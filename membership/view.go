// Package membership holds the view of the group this node belongs to: the
// ordered set of member ids and the address each one listens on for
// point-to-point traffic.
//
// The view is replaced wholesale when membership changes. Deciding who is a
// member is not this package's concern for StaticView; EtcdView derives it
// from lease-backed registrations in etcd.
package membership

import (
	"sort"
	"sync"

	"group-rpc/protocol"
)

// View is what the RPC manager reads: the current members, in order, and
// their addresses.
type View interface {
	Members() []protocol.NodeID
	AddressOf(node protocol.NodeID) (string, bool)
}

// Member is one entry of a view.
type Member struct {
	ID   protocol.NodeID `json:"id"`
	Addr string          `json:"addr"`
}

// StaticView is an in-memory view installed explicitly by its owner.
type StaticView struct {
	mu      sync.RWMutex
	members []protocol.NodeID
	addrs   map[protocol.NodeID]string
}

func NewStaticView(members ...Member) *StaticView {
	v := &StaticView{}
	v.Install(members)
	return v
}

// Install replaces the view and returns the member ids after and before.
func (v *StaticView) Install(members []Member) (newMembers, oldMembers []protocol.NodeID) {
	addrs := make(map[protocol.NodeID]string, len(members))
	ids := make([]protocol.NodeID, 0, len(members))
	for _, m := range members {
		if _, ok := addrs[m.ID]; !ok {
			ids = append(ids, m.ID)
		}
		addrs[m.ID] = m.Addr
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	v.mu.Lock()
	oldMembers = v.members
	v.members = ids
	v.addrs = addrs
	v.mu.Unlock()

	return append([]protocol.NodeID(nil), ids...), oldMembers
}

func (v *StaticView) Members() []protocol.NodeID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]protocol.NodeID(nil), v.members...)
}

func (v *StaticView) AddressOf(node protocol.NodeID) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	addr, ok := v.addrs[node]
	return addr, ok
}

// Diff returns the nodes present in oldMembers but not in newMembers, and
// those present in newMembers but not in oldMembers, each in input order.
func Diff(newMembers, oldMembers []protocol.NodeID) (removed, joined []protocol.NodeID) {
	in := func(set []protocol.NodeID) map[protocol.NodeID]struct{} {
		m := make(map[protocol.NodeID]struct{}, len(set))
		for _, n := range set {
			m[n] = struct{}{}
		}
		return m
	}
	newSet, oldSet := in(newMembers), in(oldMembers)

	for _, n := range oldMembers {
		if _, ok := newSet[n]; !ok {
			removed = append(removed, n)
		}
	}
	for _, n := range newMembers {
		if _, ok := oldSet[n]; !ok {
			joined = append(joined, n)
		}
	}
	return removed, joined
}
