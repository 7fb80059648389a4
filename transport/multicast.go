package transport

import (
	"sort"
	"sync"

	"group-rpc/protocol"
)

// DeliverFunc receives one multicast message. Messages are delivered one at
// a time, in the same total order at every member.
type DeliverFunc func(sender protocol.NodeID, buf []byte)

type localMessage struct {
	sender protocol.NodeID
	buf    []byte
}

// LocalGroup is an in-process totally ordered multicast bus. A single
// sequencer goroutine delivers each admitted message to every member,
// including the sender, before moving on to the next one. Like a real
// ordered transport it does not filter by destination.
type LocalGroup struct {
	maxFrameSize int

	mu      sync.RWMutex
	members map[protocol.NodeID]DeliverFunc

	queue chan localMessage
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewLocalGroup creates a group carrying frames of at most maxFrameSize
// bytes. depth bounds the number of admitted, undelivered messages; Send
// reports false while the queue is full.
func NewLocalGroup(maxFrameSize, depth int) *LocalGroup {
	g := &LocalGroup{
		maxFrameSize: maxFrameSize,
		members:      make(map[protocol.NodeID]DeliverFunc),
		queue:        make(chan localMessage, depth),
		done:         make(chan struct{}),
	}
	g.wg.Add(1)
	go g.sequence()
	return g
}

func (g *LocalGroup) sequence() {
	defer g.wg.Done()
	for {
		select {
		case msg := <-g.queue:
			g.deliver(msg)
		case <-g.done:
			return
		}
	}
}

func (g *LocalGroup) deliver(msg localMessage) {
	g.mu.RLock()
	ids := make([]protocol.NodeID, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	fns := make([]DeliverFunc, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fns = append(fns, g.members[id])
	}
	g.mu.RUnlock()

	for _, fn := range fns {
		buf := make([]byte, len(msg.buf))
		copy(buf, msg.buf)
		fn(msg.sender, buf)
	}
}

// Join adds a member and returns its sending endpoint.
func (g *LocalGroup) Join(id protocol.NodeID, deliver DeliverFunc) *LocalEndpoint {
	g.mu.Lock()
	g.members[id] = deliver
	g.mu.Unlock()
	return &LocalEndpoint{group: g, id: id, reserved: make(map[uint32][]byte)}
}

// Leave stops deliveries to id.
func (g *LocalGroup) Leave(id protocol.NodeID) {
	g.mu.Lock()
	delete(g.members, id)
	g.mu.Unlock()
}

// Close stops the sequencer. Messages not yet delivered are dropped.
func (g *LocalGroup) Close() {
	g.once.Do(func() { close(g.done) })
	g.wg.Wait()
}

// LocalEndpoint is one member's handle for sending into a LocalGroup.
type LocalEndpoint struct {
	group *LocalGroup
	id    protocol.NodeID

	mu       sync.Mutex
	reserved map[uint32][]byte
}

func (e *LocalEndpoint) MaxFrameSize() int {
	return e.group.maxFrameSize
}

// Reserve returns the buffer for the next message of subgroup, or nil if
// size exceeds the frame size.
func (e *LocalEndpoint) Reserve(subgroup uint32, size int) []byte {
	if size > e.group.maxFrameSize {
		return nil
	}
	buf := make([]byte, size)
	e.mu.Lock()
	e.reserved[subgroup] = buf
	e.mu.Unlock()
	return buf
}

// Send admits the reserved message of subgroup. It returns false when the
// group is backlogged or nothing was reserved; the caller retries.
func (e *LocalEndpoint) Send(subgroup uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf, ok := e.reserved[subgroup]
	if !ok {
		return false
	}
	select {
	case e.group.queue <- localMessage{sender: e.id, buf: buf}:
		delete(e.reserved, subgroup)
		return true
	case <-e.group.done:
		return false
	default:
		return false
	}
}
