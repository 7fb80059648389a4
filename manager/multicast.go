package manager

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"group-rpc/pending"
	"group-rpc/protocol"
)

// OnMulticastDelivery handles one message delivered by the ordered
// multicast transport. buf starts with the destination list, followed by
// the header and payload.
func (m *Manager) OnMulticastDelivery(sender protocol.NodeID, buf []byte) error {
	dests, n, err := protocol.ReadDestinations(buf)
	if err != nil {
		return err
	}
	if !protocol.Targets(dests, m.cfg.Self) {
		return nil
	}
	frame := buf[n:]
	capacity := m.frameSize() - protocol.HeaderSize - n

	m.replyMu.Lock()
	defer m.replyMu.Unlock()

	d, err := m.HandleFrame(frame, func(size int) []byte {
		if size > capacity || size > len(m.replyBuf) {
			return nil
		}
		return m.replyBuf[:size]
	})

	// Every copy of our own message to all members pops the subgroup queue,
	// whatever the handler did, so later messages find their own call.
	var call *pending.Call
	if sender == m.cfg.Self && dests == nil {
		call = m.assignLoopback(frame)
	}
	if err != nil {
		return err
	}

	if d.Reply == nil {
		if d.Exception != nil {
			logrus.WithError(d.Exception).WithField("sender", sender).Debug("One-way multicast call failed")
			if call != nil {
				call.SetException(m.cfg.Self, d.Exception)
			}
		}
		return nil
	}

	if sender != m.cfg.Self {
		if err := m.pool.Write(sender, d.Reply); err != nil {
			return errors.Wrapf(err, "failed to send reply to node %d", sender)
		}
		return nil
	}

	local, err := m.replay(d.Reply)
	if err != nil {
		return err
	}
	if local.Exception != nil {
		logrus.WithError(local.Exception).Debug("Local reply recorded an exception")
	}
	return nil
}

// assignLoopback gives the oldest unassigned call of the frame's subgroup
// the current members. It returns nil for untracked sends.
func (m *Manager) assignLoopback(frame []byte) *pending.Call {
	h, err := protocol.ReadHeader(frame)
	if err != nil {
		return nil
	}
	call, err := m.table.AssignAndPromote(h.Opcode.SubgroupID, m.view.Members())
	if err != nil {
		logrus.WithError(err).WithField("subgroup", h.Opcode.SubgroupID).Error("Failed to assign destinations to multicast call")
		return nil
	}
	return call
}

// PrepareMulticast reserves the transport buffer for a message of
// payloadSize bytes to dests (nil means every member), writes the
// destination list and header, and returns the payload slice to fill.
// The caller must pair it with FinishMulticastSend before preparing the
// next message of the same subgroup; SendMulticast does both.
func (m *Manager) PrepareMulticast(subgroup uint32, dests []protocol.NodeID, op protocol.Opcode, payloadSize int) ([]byte, error) {
	if m.mcast == nil {
		return nil, ErrNoMulticast
	}
	if op.SubgroupID != subgroup {
		return nil, errors.Errorf("opcode %v does not belong to subgroup %d", op, subgroup)
	}
	if payloadSize < 0 {
		return nil, errors.Errorf("invalid payload size %d", payloadSize)
	}
	total := protocol.DestinationSpace(len(dests)) + protocol.HeaderSize + payloadSize
	buf := m.mcast.Reserve(subgroup, total)
	if buf == nil {
		return nil, errors.Wrapf(protocol.ErrPayloadTooLarge, "%d byte message does not fit the transport", total)
	}
	n, maxPayload, err := protocol.WriteDestinations(buf, dests, m.mcast.MaxFrameSize(), m.cfg.FramingOverhead)
	if err != nil {
		return nil, err
	}
	if payloadSize > maxPayload {
		return nil, errors.Wrapf(protocol.ErrPayloadTooLarge, "payload of %d bytes, at most %d allowed", payloadSize, maxPayload)
	}
	if err := protocol.WriteHeader(buf[n:], uint64(payloadSize), op, m.cfg.Self); err != nil {
		return nil, err
	}
	return buf[n+protocol.HeaderSize : n+protocol.HeaderSize+payloadSize], nil
}

// FinishMulticastSend admits the prepared message of subgroup, retrying
// until the transport accepts it. If call is set it is tracked: with dests
// known it is promoted right away, otherwise it waits for its destinations
// in the subgroup's queue. A message to all members always takes a place
// in that queue, even without a call.
func (m *Manager) FinishMulticastSend(ctx context.Context, subgroup uint32, dests []protocol.NodeID, call *pending.Call) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.finishMulticastLocked(ctx, subgroup, dests, call)
}

func (m *Manager) finishMulticastLocked(ctx context.Context, subgroup uint32, dests []protocol.NodeID, call *pending.Call) error {
	if m.mcast == nil {
		return ErrNoMulticast
	}
	unknown := len(dests) == 0
	if unknown {
		// Untracked sends hold a nil place so the queue stays aligned
		// with delivery order.
		m.table.EnqueueUnassigned(subgroup, call)
	}

	for !m.mcast.Send(subgroup) {
		err := ErrStopped
		if !m.shutdown.Load() {
			err = m.retry.Wait(ctx)
		}
		if err != nil {
			if unknown {
				m.table.Withdraw(subgroup, call)
			}
			return errors.Wrapf(err, "multicast to subgroup %d not admitted", subgroup)
		}
	}

	if call == nil || unknown {
		return nil
	}
	return m.table.Promote(call, dests)
}

// SendMulticast prepares, fills and admits one message in a single step.
func (m *Manager) SendMulticast(ctx context.Context, subgroup uint32, dests []protocol.NodeID, op protocol.Opcode, payload []byte, call *pending.Call) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	buf, err := m.PrepareMulticast(subgroup, dests, op, len(payload))
	if err != nil {
		return err
	}
	copy(buf, payload)
	return m.finishMulticastLocked(ctx, subgroup, dests, call)
}
