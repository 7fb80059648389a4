// Package transport provides the point-to-point connection pool used by the
// RPC manager, and an in-process ordered multicast group.
//
// Pool keeps one TCP connection per peer node. To get exactly one connection
// per pair without negotiation, the node with the lower id always dials and
// the higher id waits for the inbound connection:
//
//	node 1 ──dial + handshake(id=1)──→ node 3
//	node 1 ←──────── same conn ──────→ node 3
//
// Reads are pull-based. Each connection has a watcher goroutine that blocks
// until the next byte is buffered and then reports the node as ready; the
// single polling goroutine picks a ready node with ProbeAll and reads a full
// frame from it with Read. The watcher stays parked until the next ProbeAll,
// so the buffered reader is only ever used by one goroutine at a time.
package transport

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"group-rpc/protocol"
)

var (
	ErrUnknownNode = errors.New("no connection for node")
	ErrPoolClosed  = errors.New("connection pool closed")
)

const (
	readBufferSize  = 64 << 10
	readyQueueDepth = 256
)

type PoolConfig struct {
	Self       protocol.NodeID
	ListenAddr string

	DialTimeout    time.Duration // bounds net.DialTimeout to a peer
	ConnectTimeout time.Duration // how long I/O waits for a peer's inbound connection
	WriteTimeout   time.Duration // bounds every conn.Write
	ProbeTimeout   time.Duration // how long ProbeAll waits for a ready node
}

func (c *PoolConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Millisecond
	}
}

type Pool struct {
	cfg      PoolConfig
	listener net.Listener

	mu    sync.RWMutex
	peers map[protocol.NodeID]*peer
	// unclaimed holds inbound connections from nodes not added yet.
	unclaimed map[protocol.NodeID]net.Conn

	ready chan *peer
	// last is the peer most recently returned by ProbeAll. Only the polling
	// goroutine touches it.
	last *peer

	closed atomic.Bool
	wg     sync.WaitGroup
}

type peer struct {
	id        protocol.NodeID
	addr      string
	connected chan struct{} // closed once conn is set

	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	rearm   chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newPeer(id protocol.NodeID, addr string) *peer {
	return &peer{
		id:        id,
		addr:      addr,
		connected: make(chan struct{}),
		rearm:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (p *peer) close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		select {
		case <-p.connected:
			err = p.conn.Close()
		default:
		}
	})
	return err
}

// NewPool listens on cfg.ListenAddr and starts accepting peer connections.
func NewPool(cfg PoolConfig) (*Pool, error) {
	cfg.setDefaults()
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %v", cfg.ListenAddr)
	}
	p := &Pool{
		cfg:      cfg,
		listener: ln,
		peers:     make(map[protocol.NodeID]*peer),
		unclaimed: make(map[protocol.NodeID]net.Conn),
		ready:     make(chan *peer, readyQueueDepth),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

// Addr returns the address the pool accepts peer connections on.
func (p *Pool) Addr() string {
	return p.listener.Addr().String()
}

func (p *Pool) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if !p.closed.Load() {
				logrus.WithError(err).Error("Connection pool stopped accepting")
			}
			return
		}
		p.wg.Add(1)
		go p.handleInbound(conn)
	}
}

func (p *Pool) handleInbound(conn net.Conn) {
	defer p.wg.Done()

	var hs [4]byte
	conn.SetReadDeadline(time.Now().Add(p.cfg.DialTimeout))
	if _, err := io.ReadFull(conn, hs[:]); err != nil {
		logrus.WithError(err).Warnf("Failed to read handshake from %v", conn.RemoteAddr())
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})
	id := protocol.NodeID(binary.BigEndian.Uint32(hs[:]))

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		conn.Close()
		return
	}
	pr, ok := p.peers[id]
	if !ok {
		// Held back until AddNode; the view may not list the node yet.
		if old, ok := p.unclaimed[id]; ok {
			old.Close()
		}
		p.unclaimed[id] = conn
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{"node": p.cfg.Self, "peer": id}).Debug("Holding connection from unknown node")
		return
	}
	if isConnected(pr) {
		// The peer reconnected; the old connection is dead to it.
		pr.close()
		pr = newPeer(id, pr.addr)
		p.peers[id] = pr
	}
	p.attachLocked(pr, conn)
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{"node": p.cfg.Self, "peer": id}).Debug("Accepted peer connection")
}

func isConnected(pr *peer) bool {
	select {
	case <-pr.connected:
		return true
	default:
		return false
	}
}

// attachLocked binds conn to pr and starts its watcher. p.mu must be held.
func (p *Pool) attachLocked(pr *peer, conn net.Conn) {
	pr.conn = conn
	pr.reader = bufio.NewReaderSize(conn, readBufferSize)
	close(pr.connected)
	p.wg.Add(1)
	go p.watch(pr)
}

// watch reports pr as ready whenever data is buffered, then parks until the
// polling goroutine has consumed it.
func (p *Pool) watch(pr *peer) {
	defer p.wg.Done()
	for {
		if _, err := pr.reader.Peek(1); err != nil {
			select {
			case <-pr.done:
			default:
				logrus.WithError(err).WithField("peer", pr.id).Debug("Peer connection closed")
			}
			return
		}
		select {
		case p.ready <- pr:
		case <-pr.done:
			return
		}
		select {
		case <-pr.rearm:
		case <-pr.done:
			return
		}
	}
}

// AddNode opens the connection to node, or prepares to accept it when node
// is the one that dials.
func (p *Pool) AddNode(node protocol.NodeID, addr string) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if node == p.cfg.Self {
		return nil
	}

	p.mu.Lock()
	if pr, ok := p.peers[node]; ok {
		pr.addr = addr
		p.mu.Unlock()
		return nil
	}
	pr := newPeer(node, addr)
	p.peers[node] = pr
	if conn, ok := p.unclaimed[node]; ok {
		delete(p.unclaimed, node)
		p.attachLocked(pr, conn)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.cfg.Self > node {
		return nil
	}

	conn, err := net.DialTimeout("tcp", addr, p.cfg.DialTimeout)
	if err != nil {
		p.DeleteNode(node)
		return errors.Wrapf(err, "failed to dial node %d at %v", node, addr)
	}
	var hs [4]byte
	binary.BigEndian.PutUint32(hs[:], uint32(p.cfg.Self))
	conn.SetWriteDeadline(time.Now().Add(p.cfg.DialTimeout))
	if _, err := conn.Write(hs[:]); err != nil {
		conn.Close()
		p.DeleteNode(node)
		return errors.Wrapf(err, "failed handshake with node %d", node)
	}
	conn.SetWriteDeadline(time.Time{})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peers[node] != pr || p.closed.Load() {
		conn.Close()
		return errors.Wrapf(ErrUnknownNode, "node %d removed while connecting", node)
	}
	p.attachLocked(pr, conn)
	return nil
}

// DeleteNode tears down the connection to node.
func (p *Pool) DeleteNode(node protocol.NodeID) error {
	p.mu.Lock()
	pr, ok := p.peers[node]
	delete(p.peers, node)
	if conn, held := p.unclaimed[node]; held {
		delete(p.unclaimed, node)
		conn.Close()
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return pr.close()
}

func (p *Pool) connected(node protocol.NodeID) (*peer, error) {
	p.mu.RLock()
	pr, ok := p.peers[node]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "node %d", node)
	}
	select {
	case <-pr.connected:
		return pr, nil
	case <-pr.done:
		return nil, errors.Wrapf(ErrUnknownNode, "node %d", node)
	case <-time.After(p.cfg.ConnectTimeout):
		return nil, errors.Errorf("timed out waiting for connection from node %d", node)
	}
}

// Read fills buf from node's connection. Only the polling goroutine reads.
func (p *Pool) Read(node protocol.NodeID, buf []byte) error {
	pr, err := p.connected(node)
	if err != nil {
		return err
	}
	if _, err := io.ReadFull(pr.reader, buf); err != nil {
		return errors.Wrapf(err, "failed to read %d bytes from node %d", len(buf), node)
	}
	return nil
}

// Write sends buf to node. Writes to the same node are serialized so frames
// never interleave.
func (p *Pool) Write(node protocol.NodeID, buf []byte) error {
	pr, err := p.connected(node)
	if err != nil {
		return err
	}
	pr.writeMu.Lock()
	defer pr.writeMu.Unlock()
	pr.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	if _, err := pr.conn.Write(buf); err != nil {
		return errors.Wrapf(err, "failed to write %d bytes to node %d", len(buf), node)
	}
	return nil
}

// ProbeAll returns a node with data ready to read. It waits at most
// ProbeTimeout and reports false if no node became ready.
func (p *Pool) ProbeAll() (protocol.NodeID, bool) {
	// Rearm the exact peer that was read from. A replacement for the same
	// node has its own watcher and must not get the token.
	if p.last != nil {
		select {
		case p.last.rearm <- struct{}{}:
		default:
		}
		p.last = nil
	}

	timer := time.NewTimer(p.cfg.ProbeTimeout)
	defer timer.Stop()
	for {
		select {
		case pr := <-p.ready:
			p.mu.RLock()
			current := p.peers[pr.id]
			p.mu.RUnlock()
			if current != pr {
				continue
			}
			p.last = pr
			return pr.id, true
		case <-timer.C:
			return 0, false
		}
	}
}

// Close stops accepting, closes every connection and waits for the pool's
// goroutines to exit.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.listener.Close()

	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[protocol.NodeID]*peer)
	unclaimed := p.unclaimed
	p.unclaimed = make(map[protocol.NodeID]net.Conn)
	p.mu.Unlock()
	for _, pr := range peers {
		err = multierr.Append(err, pr.close())
	}
	for _, conn := range unclaimed {
		err = multierr.Append(err, conn.Close())
	}

	p.wg.Wait()
	return err
}
