// Package pending tracks outstanding RPC invocations.
//
// A Call is the promise half of one invocation: the caller waits on it, the
// manager resolves it one destination at a time. Its destination set may be
// unknown when the call is issued (a multicast addressed to "all members"),
// in which case replies that arrive early are held until the set is assigned.
// Every destination slot moves from pending to a terminal state exactly once.
package pending

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"group-rpc/protocol"
)

var (
	ErrPeerRemoved      = errors.New("destination left the group before replying")
	ErrAlreadyResolved  = errors.New("destination already resolved")
	ErrNotDestination   = errors.New("node is not a destination of the call")
	ErrAlreadyAssigned  = errors.New("destinations already assigned")
	ErrNothingToAssign  = errors.New("no call awaiting destination assignment")
	errMissingException = errors.New("exception not specified")
)

type State int

const (
	StatePending State = iota
	StateReplied
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReplied:
		return "replied"
	case StateFailed:
		return "failed"
	}
	return "pending"
}

// Result is the outcome recorded for one destination.
type Result struct {
	Node    protocol.NodeID
	State   State
	Payload []byte
	Err     error
}

type slot struct {
	state   State
	payload []byte
	err     error
	ready   chan struct{}
}

func (s *slot) result(node protocol.NodeID) Result {
	return Result{Node: node, State: s.state, Payload: s.payload, Err: s.err}
}

type Call struct {
	ID uuid.UUID

	mu        sync.Mutex
	isSet     bool
	dests     []protocol.NodeID
	slots     map[protocol.NodeID]*slot
	early     map[protocol.NodeID]*slot
	remaining int
	assigned  chan struct{}
	done      chan struct{}
}

func NewCall() *Call {
	return &Call{
		ID:       uuid.New(),
		slots:    make(map[protocol.NodeID]*slot),
		early:    make(map[protocol.NodeID]*slot),
		assigned: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Fulfill assigns the destination set. It succeeds once per call.
func (c *Call) Fulfill(dests []protocol.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isSet {
		return errors.Wrapf(ErrAlreadyAssigned, "call %v", c.ID)
	}
	c.isSet = true

	for _, node := range dests {
		if _, ok := c.slots[node]; ok {
			continue
		}
		c.dests = append(c.dests, node)
		if s, ok := c.early[node]; ok {
			c.slots[node] = s
			continue
		}
		c.slots[node] = &slot{ready: make(chan struct{})}
		c.remaining++
	}
	for node := range c.early {
		if _, ok := c.slots[node]; !ok {
			logrus.WithFields(logrus.Fields{"call": c.ID, "node": node}).Warn("Dropping result from node outside the assigned destinations")
		}
	}
	c.early = nil

	close(c.assigned)
	if c.remaining == 0 {
		close(c.done)
	}
	return nil
}

func (c *Call) resolve(node protocol.NodeID, state State, payload []byte, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isSet {
		if _, ok := c.early[node]; ok {
			return errors.Wrapf(ErrAlreadyResolved, "call %v node %d", c.ID, node)
		}
		s := &slot{state: state, payload: payload, err: err, ready: make(chan struct{})}
		close(s.ready)
		c.early[node] = s
		return nil
	}

	s, ok := c.slots[node]
	if !ok {
		return errors.Wrapf(ErrNotDestination, "call %v node %d", c.ID, node)
	}
	if s.state != StatePending {
		return errors.Wrapf(ErrAlreadyResolved, "call %v node %d", c.ID, node)
	}
	s.state, s.payload, s.err = state, payload, err
	close(s.ready)

	c.remaining--
	if c.remaining == 0 {
		close(c.done)
	}
	return nil
}

// SetReply records the reply payload of node.
func (c *Call) SetReply(node protocol.NodeID, payload []byte) error {
	return c.resolve(node, StateReplied, payload, nil)
}

// SetException records that node's handler failed with err.
func (c *Call) SetException(node protocol.NodeID, err error) error {
	if err == nil {
		err = errMissingException
	}
	return c.resolve(node, StateFailed, nil, err)
}

// SetRemoved fails the slot of node because it left the group.
func (c *Call) SetRemoved(node protocol.NodeID) error {
	return c.resolve(node, StateFailed, nil, errors.Wrapf(ErrPeerRemoved, "node %d", node))
}

// Assigned is closed once the destination set is known.
func (c *Call) Assigned() <-chan struct{} {
	return c.assigned
}

// Done is closed once every destination is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) Complete() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Destinations waits for the destination set to be assigned.
func (c *Call) Destinations(ctx context.Context) ([]protocol.NodeID, error) {
	select {
	case <-c.assigned:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.NodeID(nil), c.dests...), nil
}

// Get waits for the outcome of a single destination. It returns the reply
// payload, or the error the slot was failed with.
func (c *Call) Get(ctx context.Context, node protocol.NodeID) ([]byte, error) {
	select {
	case <-c.assigned:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	s, ok := c.slots[node]
	c.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotDestination, "call %v node %d", c.ID, node)
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.payload, s.err
}

// Wait blocks until every destination is resolved and returns the outcomes
// in destination order.
func (c *Call) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-c.done:
		return c.Results(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Results snapshots the outcomes recorded so far, in destination order.
// Before assignment it is empty.
func (c *Call) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	results := make([]Result, 0, len(c.dests))
	for _, node := range c.dests {
		results = append(results, c.slots[node].result(node))
	}
	return results
}
