package codec

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONCodec encodes the envelope as a JSON object. The argument payload is
// already JSON and travels base64-encoded inside it, so this codec is
// mainly useful for debugging traffic by eye.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, errors.Wrap(err, "JSONCodec: failed to encode envelope")
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return errors.Wrap(json.Unmarshal(data, v), "JSONCodec: failed to decode envelope")
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
