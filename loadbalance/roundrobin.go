package loadbalance

import (
	"sync/atomic"

	"group-rpc/protocol"
)

// RoundRobinBalancer cycles through the candidates in order using an
// atomic counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(nodes []protocol.NodeID) (protocol.NodeID, error) {
	if len(nodes) == 0 {
		return 0, ErrNoNodes
	}
	index := (b.counter.Add(1) - 1) % uint64(len(nodes))
	return nodes[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
