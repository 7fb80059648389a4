// Package protocol implements the binary framing shared by the multicast and
// point-to-point RPC paths.
//
// Every RPC buffer, request or reply, starts with a fixed-size 29-byte header
// followed by the payload. The header carries the payload length, so a
// stream reader reads the header first, then exactly that many bytes.
//
// Frame format (all integers big-endian):
//
//	0           8        12       16          24  25       29
//	┌───────────┬────────┬────────┬───────────┬───┬────────┬──────────────┐
//	│payloadSize│ class  │subgroup│ function  │rep│ sender │ payload ...  │
//	│  uint64   │ uint32 │ uint32 │  uint64   │u8 │ uint32 │ payloadSize  │
//	└───────────┴────────┴────────┴───────────┴───┴────────┴──────────────┘
//
// Multicast messages carry one more layer in front of the header, the
// destination list (see WriteDestinations).
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// OpcodeSize is the encoded width of an Opcode.
	OpcodeSize = 4 + 4 + 8 + 1
	// HeaderSize is the encoded width of a Header.
	HeaderSize = 8 + OpcodeSize + 4
)

var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrPayloadTooLarge = errors.New("payload does not fit in frame")
)

// NodeID identifies a group member. It is stable for the lifetime of the
// node in the group.
type NodeID uint32

// Opcode selects a registered handler. Replies use the opcode of the request
// with IsReply set, so a request handler and its reply handler never collide.
type Opcode struct {
	ClassID    uint32
	SubgroupID uint32
	FunctionID uint64
	IsReply    bool
}

// Reply returns the opcode the answer to op travels under.
func (op Opcode) Reply() Opcode {
	op.IsReply = true
	return op
}

func (op Opcode) String() string {
	s := fmt.Sprintf("%d/%d/%d", op.ClassID, op.SubgroupID, op.FunctionID)
	if op.IsReply {
		s += "/reply"
	}
	return s
}

// Header is the fixed-size prefix of every RPC buffer. PayloadSize is the
// number of bytes that follow the header in the same buffer.
type Header struct {
	PayloadSize uint64
	Opcode      Opcode
	Sender      NodeID
}

// HeaderSpace returns the number of bytes reserved for a Header.
func HeaderSpace() int {
	return HeaderSize
}

// WriteHeader encodes a header into the first HeaderSize bytes of buf.
func WriteHeader(buf []byte, payloadSize uint64, op Opcode, sender NodeID) error {
	if len(buf) < HeaderSize {
		return errors.Wrapf(ErrMalformedHeader, "need %d bytes to write header, have %d", HeaderSize, len(buf))
	}
	binary.BigEndian.PutUint64(buf[0:8], payloadSize)
	binary.BigEndian.PutUint32(buf[8:12], op.ClassID)
	binary.BigEndian.PutUint32(buf[12:16], op.SubgroupID)
	binary.BigEndian.PutUint64(buf[16:24], op.FunctionID)
	buf[24] = 0
	if op.IsReply {
		buf[24] = 1
	}
	binary.BigEndian.PutUint32(buf[25:29], uint32(sender))
	return nil
}

// ReadHeader decodes the header at the start of buf.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.Wrapf(ErrMalformedHeader, "need %d bytes to read header, have %d", HeaderSize, len(buf))
	}
	if buf[24] > 1 {
		return Header{}, errors.Wrapf(ErrMalformedHeader, "invalid reply flag %d", buf[24])
	}
	return Header{
		PayloadSize: binary.BigEndian.Uint64(buf[0:8]),
		Opcode: Opcode{
			ClassID:    binary.BigEndian.Uint32(buf[8:12]),
			SubgroupID: binary.BigEndian.Uint32(buf[12:16]),
			FunctionID: binary.BigEndian.Uint64(buf[16:24]),
			IsReply:    buf[24] == 1,
		},
		Sender: NodeID(binary.BigEndian.Uint32(buf[25:29])),
	}, nil
}
