package manager

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"group-rpc/membership"
	"group-rpc/pending"
	"group-rpc/protocol"
)

// maxSkippedPayload bounds, in scratch buffers, how much of an oversized
// payload is read and discarded.
const maxSkippedPayload = 64

// OnP2PDelivery reads one frame from sender into scratch and dispatches
// it. The reply is built in scratch as well and written back to the node
// named in the header.
func (m *Manager) OnP2PDelivery(sender protocol.NodeID, scratch []byte) error {
	if len(scratch) < protocol.HeaderSize {
		return errors.Wrapf(protocol.ErrMalformedHeader, "%d byte scratch buffer", len(scratch))
	}
	if err := m.pool.Read(sender, scratch[:protocol.HeaderSize]); err != nil {
		return err
	}
	h, err := protocol.ReadHeader(scratch)
	if err != nil {
		return err
	}
	if h.PayloadSize > uint64(len(scratch)-protocol.HeaderSize) {
		err := errors.Wrapf(protocol.ErrPayloadTooLarge, "node %d sent a %d byte payload", sender, h.PayloadSize)
		return multierr.Append(err, m.skipPayload(sender, h.PayloadSize, scratch))
	}
	payload := scratch[protocol.HeaderSize : protocol.HeaderSize+int(h.PayloadSize)]
	if err := m.pool.Read(sender, payload); err != nil {
		return err
	}

	d, err := m.HandleReceive(h.Opcode, h.Sender, payload, func(size int) []byte {
		if size > len(scratch) {
			return nil
		}
		return scratch[:size]
	})
	if err != nil {
		return err
	}
	if d.Exception != nil {
		logrus.WithError(d.Exception).WithFields(logrus.Fields{
			"sender": h.Sender,
			"opcode": h.Opcode,
		}).Debug("Point-to-point handler raised an exception")
	}
	if d.Reply == nil {
		return nil
	}
	if err := m.pool.Write(h.Sender, d.Reply); err != nil {
		return errors.Wrapf(err, "failed to send reply to node %d", h.Sender)
	}
	return nil
}

// skipPayload discards a payload that does not fit scratch so the next read
// starts at a frame boundary. A size no sane frame could have means the
// stream is lost, and the connection is dropped instead.
func (m *Manager) skipPayload(sender protocol.NodeID, size uint64, scratch []byte) error {
	if size > maxSkippedPayload*uint64(len(scratch)) {
		logrus.WithFields(logrus.Fields{
			"peer": sender,
			"size": size,
		}).Warn("Dropping connection after an impossible payload size")
		return errors.Wrapf(m.pool.DeleteNode(sender), "failed to drop connection to node %d", sender)
	}
	for size > 0 {
		n := uint64(len(scratch))
		if size < n {
			n = size
		}
		if err := m.pool.Read(sender, scratch[:n]); err != nil {
			return err
		}
		size -= n
	}
	return nil
}

// PrepareP2P returns a frame for a payloadSize byte message with the
// header already written. The payload goes at buf[protocol.HeaderSize:].
func (m *Manager) PrepareP2P(op protocol.Opcode, payloadSize int) ([]byte, error) {
	if payloadSize < 0 || protocol.HeaderSize+payloadSize > m.frameSize() {
		return nil, errors.Wrapf(protocol.ErrPayloadTooLarge, "payload of %d bytes", payloadSize)
	}
	buf := make([]byte, protocol.HeaderSize+payloadSize)
	if err := protocol.WriteHeader(buf, uint64(payloadSize), op, m.cfg.Self); err != nil {
		return nil, err
	}
	return buf, nil
}

// FinishP2PSend writes buf to dest and, if call is set, tracks it with
// dest as its only destination. When the write fails the slot is failed
// with the write error.
func (m *Manager) FinishP2PSend(dest protocol.NodeID, buf []byte, call *pending.Call) error {
	werr := m.pool.Write(dest, buf)
	if call == nil {
		return werr
	}
	if err := m.table.Promote(call, []protocol.NodeID{dest}); err != nil {
		return multierr.Append(werr, err)
	}
	if werr != nil {
		call.SetException(dest, werr)
	}
	return werr
}

// SendP2P frames payload and sends it to dest.
func (m *Manager) SendP2P(dest protocol.NodeID, op protocol.Opcode, payload []byte, call *pending.Call) error {
	buf, err := m.PrepareP2P(op, len(payload))
	if err != nil {
		return err
	}
	copy(buf[protocol.HeaderSize:], payload)
	return m.FinishP2PSend(dest, buf, call)
}

// OnMembershipChange reacts to a view change that has already been
// installed: connections to departed nodes are torn down, joiners are
// connected and every tracked call stops waiting for departed nodes.
// Errors connecting to joiners are returned after that.
func (m *Manager) OnMembershipChange(newMembers, oldMembers []protocol.NodeID) error {
	removed, joined := membership.Diff(newMembers, oldMembers)

	var errs error
	for _, node := range removed {
		if err := m.pool.DeleteNode(node); err != nil {
			logrus.WithError(err).WithField("peer", node).Warn("Failed to close connection to departed node")
		}
	}
	for _, node := range joined {
		if node == m.cfg.Self {
			continue
		}
		addr, ok := m.view.AddressOf(node)
		if !ok {
			errs = multierr.Append(errs, errors.Errorf("no address for joining node %d", node))
			continue
		}
		errs = multierr.Append(errs, m.pool.AddNode(node, addr))
	}

	resolved := m.table.ResolveRemoved(removed)
	logrus.WithFields(logrus.Fields{
		"node":     m.cfg.Self,
		"removed":  removed,
		"joined":   joined,
		"resolved": resolved,
	}).Info("Applied membership change")
	return errs
}
