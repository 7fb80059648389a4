package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"group-rpc/message"
)

var errShortMessage = errors.New("BinaryCodec: message truncated")

// BinaryCodec lays the envelope out as
//
//	invocationID uint64 | payloadLen uint32 | payload | kindLen uint16 | kind | errLen uint16 | error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ErrorKind) > 0xFFFF || len(msg.Error) > 0xFFFF {
		return nil, errors.New("BinaryCodec: error text too long")
	}
	total := 8 + 4 + len(msg.Payload) + 2 + len(msg.ErrorKind) + 2 + len(msg.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint64(buf[offset:offset+8], msg.InvocationID)
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	copy(buf[offset:], msg.Payload)
	offset += len(msg.Payload)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.ErrorKind)))
	offset += 2
	copy(buf[offset:], msg.ErrorKind)
	offset += len(msg.ErrorKind)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:], msg.Error)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *RPCMessage
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	offset := 0
	if len(data) < 12 {
		return errShortMessage
	}
	msg.InvocationID = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8

	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data)-offset < payloadLen+2 {
		return errShortMessage
	}
	msg.Payload = make([]byte, payloadLen)
	copy(msg.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	kindLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data)-offset < kindLen+2 {
		return errShortMessage
	}
	msg.ErrorKind = string(data[offset : offset+kindLen])
	offset += kindLen

	errLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data)-offset < errLen {
		return errShortMessage
	}
	msg.Error = string(data[offset : offset+errLen])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
