package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"group-rpc/protocol"
)

// ConsistentHashBalancer maps keys to nodes using a hash ring, so the same
// key keeps landing on the same node until the membership around it
// changes. Each node is placed on the ring as replicas virtual nodes to
// even out the share of keys each one gets.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         2 ●               ● 1
//	           │    key ◆──►   │   (clockwise to nearest node → 1)
//	         3 ●               ● 1' (virtual node of 1)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu      sync.RWMutex
	ring    []uint32                   // sorted hashes of virtual nodes
	owners  map[uint32]protocol.NodeID // virtual node hash → node
	members map[protocol.NodeID]struct{}
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per node.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		owners:   make(map[uint32]protocol.NodeID),
		members:  make(map[protocol.NodeID]struct{}),
	}
}

func virtualHash(node protocol.NodeID, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("node-%d#%d", node, i)))
}

func (b *ConsistentHashBalancer) Add(node protocol.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(node)
	b.sortLocked()
}

func (b *ConsistentHashBalancer) Remove(node protocol.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(node)
}

// Sync makes the ring hold exactly nodes.
func (b *ConsistentHashBalancer) Sync(nodes []protocol.NodeID) {
	want := make(map[protocol.NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		want[node] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for node := range b.members {
		if _, ok := want[node]; !ok {
			b.removeLocked(node)
		}
	}
	added := false
	for node := range want {
		if _, ok := b.members[node]; !ok {
			b.addLocked(node)
			added = true
		}
	}
	if added {
		b.sortLocked()
	}
}

func (b *ConsistentHashBalancer) addLocked(node protocol.NodeID) {
	if _, ok := b.members[node]; ok {
		return
	}
	b.members[node] = struct{}{}
	for i := 0; i < b.replicas; i++ {
		hash := virtualHash(node, i)
		if _, taken := b.owners[hash]; taken {
			continue
		}
		b.ring = append(b.ring, hash)
		b.owners[hash] = node
	}
}

func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) removeLocked(node protocol.NodeID) {
	if _, ok := b.members[node]; !ok {
		return
	}
	delete(b.members, node)
	ring := b.ring[:0]
	for _, hash := range b.ring {
		if b.owners[hash] == node {
			delete(b.owners, hash)
			continue
		}
		ring = append(ring, hash)
	}
	b.ring = ring
}

// Pick finds the node responsible for key: the first virtual node at or
// after the key's hash, wrapping around the ring.
//
// Pick takes a key rather than a candidate list, so the ring does not
// implement Balancer.
func (b *ConsistentHashBalancer) Pick(key string) (protocol.NodeID, error) {
	hash := crc32.ChecksumIEEE([]byte(key))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return 0, ErrNoNodes
	}
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.owners[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
