// Package codec serializes the RPC envelope. Both peers of a call must use
// the same codec; it is chosen at construction time, not negotiated.
package codec

import "github.com/pkg/errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// Codec turns a *message.RPCMessage into bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to the binary one.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	default:
		return &BinaryCodec{}
	}
}

// ParseCodecType maps a codec name from configuration to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "":
		return CodecTypeBinary, nil
	}
	return 0, errors.Errorf("unknown codec %q", name)
}
