// Package manager implements the RPC manager of a group member: it routes
// every incoming message to its registered handler, sends replies back on
// the right channel and keeps the pending-call table consistent with the
// group's membership.
//
// Message flow:
//
//	ordered multicast ─→ OnMulticastDelivery ─→ HandleFrame ─→ handler
//	                        │ sender == self: assign oldest unassigned call, replay reply locally
//	                        └ otherwise: reply over the connection pool
//	connection pool ─→ polling loop ─→ OnP2PDelivery ─→ HandleReceive ─→ handler ─→ reply
//	view change ─→ OnMembershipChange ─→ pool add/delete + fail slots of departed nodes
package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"group-rpc/membership"
	"group-rpc/pending"
	"group-rpc/protocol"
	"group-rpc/registry"
)

var (
	ErrUnknownOpcode     = errors.New("no handler registered for opcode")
	ErrContractViolation = errors.New("handler contract violated")
	ErrStopped           = errors.New("rpc manager stopped")
	ErrNoMulticast       = errors.New("no multicast transport configured")
)

// Multicast is the sending side of the ordered multicast transport. Reserve
// returns the buffer for the next message of a subgroup, nil if size does
// not fit; Send admits the reserved message and reports false when the
// transport is backlogged.
type Multicast interface {
	MaxFrameSize() int
	Reserve(subgroup uint32, size int) []byte
	Send(subgroup uint32) bool
}

// ConnectionPool carries point-to-point traffic. ProbeAll returns a node
// whose connection has data ready, or false if none is. Read and Write
// transfer exactly len(buf) bytes.
type ConnectionPool interface {
	AddNode(node protocol.NodeID, addr string) error
	DeleteNode(node protocol.NodeID) error
	Read(node protocol.NodeID, buf []byte) error
	Write(node protocol.NodeID, buf []byte) error
	ProbeAll() (protocol.NodeID, bool)
	Close() error
}

type Config struct {
	Self protocol.NodeID

	// MaxFrameSize bounds point-to-point frames when no multicast transport
	// is configured; otherwise the transport's frame size is used.
	MaxFrameSize int
	// FramingOverhead is what the multicast transport adds to every message.
	FramingOverhead int

	// SendRetryInterval and SendRetryBurst pace retries of a multicast send
	// the transport did not admit.
	SendRetryInterval time.Duration
	SendRetryBurst    int
}

func (c *Config) setDefaults() {
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 1 << 20
	}
	if c.SendRetryInterval <= 0 {
		c.SendRetryInterval = 100 * time.Microsecond
	}
	if c.SendRetryBurst <= 0 {
		c.SendRetryBurst = 1
	}
}

type Manager struct {
	cfg       Config
	receivers *registry.Registry
	view      membership.View
	mcast     Multicast
	pool      ConnectionPool
	table     *pending.Table

	// sendMu makes enqueueing an unassigned call and admitting its message
	// one step, so each subgroup's queue follows admission order.
	sendMu sync.Mutex
	retry  *rate.Limiter

	// replyMu guards replyBuf, the reply space for multicast deliveries.
	replyMu  sync.Mutex
	replyBuf []byte

	started  atomic.Bool
	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// New creates a manager. mcast may be nil for a node that only uses
// point-to-point calls.
func New(cfg Config, receivers *registry.Registry, view membership.View, mcast Multicast, pool ConnectionPool) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:       cfg,
		receivers: receivers,
		view:      view,
		mcast:     mcast,
		pool:      pool,
		table:     pending.NewTable(),
		retry:     rate.NewLimiter(rate.Every(cfg.SendRetryInterval), cfg.SendRetryBurst),
	}
	m.replyBuf = make([]byte, m.frameSize())
	return m
}

func (m *Manager) Self() protocol.NodeID {
	return m.cfg.Self
}

func (m *Manager) Members() []protocol.NodeID {
	return m.view.Members()
}

// Pending exposes the call table, mostly for inspection.
func (m *Manager) Pending() *pending.Table {
	return m.table
}

func (m *Manager) frameSize() int {
	if m.mcast != nil {
		return m.mcast.MaxFrameSize()
	}
	return m.cfg.MaxFrameSize
}

// Start launches the point-to-point polling loop. It is a no-op after the
// first call.
func (m *Manager) Start() {
	if m.started.Swap(true) {
		return
	}
	m.wg.Add(1)
	go m.pollLoop()
	logrus.WithField("node", m.cfg.Self).Info("RPC manager started")
}

// Stop ends the polling loop, waits for it to exit and only then releases
// the connection pool. Multicast sends still retrying give up with
// ErrStopped.
func (m *Manager) Stop() error {
	if m.shutdown.Swap(true) {
		return nil
	}
	m.wg.Wait()
	if err := m.pool.Close(); err != nil {
		return errors.Wrap(err, "failed to close connection pool")
	}
	logrus.WithField("node", m.cfg.Self).Info("RPC manager stopped")
	return nil
}

func (m *Manager) pollLoop() {
	defer m.wg.Done()
	scratch := make([]byte, m.frameSize())
	for !m.shutdown.Load() {
		node, ok := m.pool.ProbeAll()
		if !ok {
			continue
		}
		if err := m.OnP2PDelivery(node, scratch); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"node": m.cfg.Self,
				"peer": node,
			}).Error("Failed to handle point-to-point message")
		}
	}
}
