package loadbalance

import (
	"math/rand"
	"sync"

	"group-rpc/protocol"
)

const defaultWeight = 1

// WeightedRandomBalancer picks a node with probability proportional to its
// weight. Nodes without a weight count as weight 1.
type WeightedRandomBalancer struct {
	mu      sync.RWMutex
	weights map[protocol.NodeID]int
}

func NewWeightedRandomBalancer(weights map[protocol.NodeID]int) *WeightedRandomBalancer {
	b := &WeightedRandomBalancer{weights: make(map[protocol.NodeID]int)}
	for node, w := range weights {
		b.SetWeight(node, w)
	}
	return b
}

// SetWeight changes the weight of node. Non-positive weights exclude it.
func (b *WeightedRandomBalancer) SetWeight(node protocol.NodeID, weight int) {
	b.mu.Lock()
	b.weights[node] = weight
	b.mu.Unlock()
}

func (b *WeightedRandomBalancer) weight(node protocol.NodeID) int {
	w, ok := b.weights[node]
	if !ok {
		return defaultWeight
	}
	if w < 0 {
		return 0
	}
	return w
}

func (b *WeightedRandomBalancer) Pick(nodes []protocol.NodeID) (protocol.NodeID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	totalWeight := 0
	for _, node := range nodes {
		totalWeight += b.weight(node)
	}
	if totalWeight == 0 {
		return 0, ErrNoNodes
	}

	r := rand.Intn(totalWeight)
	for _, node := range nodes {
		r -= b.weight(node)
		if r < 0 {
			return node, nil
		}
	}
	return nodes[len(nodes)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
