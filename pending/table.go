package pending

import (
	"sync"

	"github.com/pkg/errors"

	"group-rpc/protocol"
)

// Table holds the calls this node is waiting on. A single mutex linearizes
// the three operations that race between the delivery paths and membership
// changes: enqueueing a call whose destinations are unknown, assigning the
// oldest such call its destinations, and failing slots of departed nodes.
//
// Unassigned calls are queued per subgroup, in submission order. The
// ordered multicast transport delivers a subgroup's messages in the order
// they were admitted, so the loopback copy that pops a queue always belongs
// to the call at its head.
type Table struct {
	mu       sync.Mutex
	toAssign map[uint32][]*Call
	assigned []*Call
}

func NewTable() *Table {
	return &Table{toAssign: make(map[uint32][]*Call)}
}

// EnqueueUnassigned appends c to the queue of subgroup. A nil c holds the
// place of a message nobody waits on.
func (t *Table) EnqueueUnassigned(subgroup uint32, c *Call) {
	t.mu.Lock()
	t.toAssign[subgroup] = append(t.toAssign[subgroup], c)
	t.mu.Unlock()
}

// Withdraw removes c from the queue of subgroup if the message it was
// queued for never made it onto the transport.
func (t *Table) Withdraw(subgroup uint32, c *Call) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Newest first: a withdrawn message was the last one queued.
	q := t.toAssign[subgroup]
	for i := len(q) - 1; i >= 0; i-- {
		if q[i] == c {
			if len(q) == 1 {
				delete(t.toAssign, subgroup)
			} else {
				t.toAssign[subgroup] = append(q[:i:i], q[i+1:]...)
			}
			return true
		}
	}
	return false
}

// AssignAndPromote pops the oldest unassigned call of subgroup, gives it
// members as destinations and starts tracking it. Popping a place held for
// an untracked message returns a nil call and no error.
func (t *Table) AssignAndPromote(subgroup uint32, members []protocol.NodeID) (*Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.toAssign[subgroup]
	if len(q) == 0 {
		return nil, errors.Wrapf(ErrNothingToAssign, "subgroup %d", subgroup)
	}
	c := q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(t.toAssign, subgroup)
	} else {
		t.toAssign[subgroup] = q[1:]
	}
	if c == nil {
		return nil, nil
	}

	if err := c.Fulfill(members); err != nil {
		return c, err
	}
	t.promoteLocked(c)
	return c, nil
}

// Promote assigns dests to a call whose destinations were known at send time.
func (t *Table) Promote(c *Call, dests []protocol.NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := c.Fulfill(dests); err != nil {
		return err
	}
	t.promoteLocked(c)
	return nil
}

func (t *Table) promoteLocked(c *Call) {
	t.reapLocked()
	if !c.Complete() {
		t.assigned = append(t.assigned, c)
	}
}

// ResolveRemoved fails, in every tracked call, each still pending slot that
// belongs to one of the removed nodes. It returns the number of slots failed.
func (t *Table) ResolveRemoved(removed []protocol.NodeID) int {
	if len(removed) == 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	resolved := 0
	for _, c := range t.assigned {
		for _, node := range removed {
			if err := c.SetRemoved(node); err == nil {
				resolved++
			}
		}
	}
	t.reapLocked()
	return resolved
}

func (t *Table) reapLocked() {
	live := t.assigned[:0]
	for _, c := range t.assigned {
		if !c.Complete() {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(t.assigned); i++ {
		t.assigned[i] = nil
	}
	t.assigned = live
}

// Len returns the number of calls awaiting destinations and the number of
// tracked calls not yet known to be complete.
func (t *Table) Len() (unassigned, assigned int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.toAssign {
		for _, c := range q {
			if c != nil {
				unassigned++
			}
		}
	}
	return unassigned, len(t.assigned)
}
