package manager

import (
	"github.com/pkg/errors"

	"group-rpc/protocol"
	"group-rpc/registry"
)

// Dispatch is the result of routing one message. Reply, when set, is the
// framed reply (header and payload) inside the buffer the allocator
// handed out. Exception is whatever the handler captured.
type Dispatch struct {
	Reply     []byte
	Exception error
}

// HandleReceive runs the handler registered for op. alloc provides the
// reply space; the handler sees an allocator that reserves room for the
// reply header in front of what it asks for.
func (m *Manager) HandleReceive(op protocol.Opcode, from protocol.NodeID, payload []byte, alloc registry.Allocator) (Dispatch, error) {
	h, ok := m.receivers.Lookup(op)
	if !ok {
		return Dispatch{}, errors.Wrapf(ErrUnknownOpcode, "%v from node %d", op, from)
	}

	var frame []byte
	reply := h(from, payload, func(size int) []byte {
		if size < 0 || frame != nil {
			return nil
		}
		total := size + protocol.HeaderSize
		buf := alloc(total)
		if len(buf) < total {
			return nil
		}
		frame = buf[:total]
		return frame[protocol.HeaderSize:]
	})

	d := Dispatch{Exception: reply.Exception}
	if reply.Payload == nil {
		return d, nil
	}
	if frame == nil || reply.Size < 0 || reply.Size > len(frame)-protocol.HeaderSize {
		return d, errors.Wrapf(ErrContractViolation, "handler for %v returned a reply outside its allocation", op)
	}
	if err := protocol.WriteHeader(frame, uint64(reply.Size), reply.Opcode, m.cfg.Self); err != nil {
		return d, err
	}
	d.Reply = frame[:protocol.HeaderSize+reply.Size]
	return d, nil
}

// HandleFrame decodes the header at the start of buf and dispatches the
// payload that follows it.
func (m *Manager) HandleFrame(buf []byte, alloc registry.Allocator) (Dispatch, error) {
	h, err := protocol.ReadHeader(buf)
	if err != nil {
		return Dispatch{}, err
	}
	if h.PayloadSize > uint64(len(buf)-protocol.HeaderSize) {
		return Dispatch{}, errors.Wrapf(protocol.ErrMalformedHeader,
			"payload size %d exceeds the %d bytes received", h.PayloadSize, len(buf)-protocol.HeaderSize)
	}
	payload := buf[protocol.HeaderSize : protocol.HeaderSize+int(h.PayloadSize)]
	return m.HandleReceive(h.Opcode, h.Sender, payload, alloc)
}

// replay dispatches a reply this node produced for itself. Reply handlers
// never reply, so the allocator must not be called.
func (m *Manager) replay(frame []byte) (Dispatch, error) {
	asked := false
	d, err := m.HandleFrame(frame, func(int) []byte {
		asked = true
		return nil
	})
	if err != nil {
		return d, err
	}
	if asked {
		return d, errors.Wrap(ErrContractViolation, "reply handler requested reply space")
	}
	return d, nil
}
