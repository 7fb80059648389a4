// Package loadbalance picks the member a "call any" invocation is sent to.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless methods, equal-capacity members
//   - WeightedRandom:  members of uneven capacity
//   - ConsistentHash:  keyed calls that should keep landing on the same member
package loadbalance

import (
	"github.com/pkg/errors"

	"group-rpc/protocol"
)

var ErrNoNodes = errors.New("no nodes available")

// Balancer selects one node out of the current candidates. Pick is called
// for every call and must be goroutine-safe.
type Balancer interface {
	Pick(nodes []protocol.NodeID) (protocol.NodeID, error)
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "roundrobin", "":
		return &RoundRobinBalancer{}, nil
	case "random":
		return NewWeightedRandomBalancer(nil), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}
