package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Destination list, multicast path only:
//
//	┌─────────┬──────────┬──────────┬─────┐
//	│ count   │ node[0]  │ node[1]  │ ... │
//	│ uint64  │ uint32   │ uint32   │     │
//	└─────────┴──────────┴──────────┴─────┘
//
// count == 0 addresses every member of the view that is current when the
// message is delivered.

const nodeIDSize = 4

// DestinationSpace returns the encoded width of a destination list naming n nodes.
func DestinationSpace(n int) int {
	return 8 + n*nodeIDSize
}

// WriteDestinations encodes nodes at the start of buf and returns the number
// of bytes written together with the payload budget left in a frame of
// maxFrameSize bytes once the list, the RPC header and the transport's own
// framing overhead are reserved.
func WriteDestinations(buf []byte, nodes []NodeID, maxFrameSize, framingOverhead int) (int, int, error) {
	size := DestinationSpace(len(nodes))
	if len(buf) < size {
		return 0, 0, errors.Wrapf(ErrMalformedHeader, "need %d bytes for %d destinations, have %d", size, len(nodes), len(buf))
	}
	maxPayload := maxFrameSize - framingOverhead - HeaderSize - size
	if maxPayload < 0 {
		return 0, 0, errors.Wrapf(ErrPayloadTooLarge, "frame of %d bytes cannot hold %d destinations", maxFrameSize, len(nodes))
	}

	binary.BigEndian.PutUint64(buf[0:8], uint64(len(nodes)))
	offset := 8
	for _, n := range nodes {
		binary.BigEndian.PutUint32(buf[offset:offset+nodeIDSize], uint32(n))
		offset += nodeIDSize
	}
	return size, maxPayload, nil
}

// ReadDestinations decodes the destination list at the start of buf. It
// returns nil nodes for the "all members" sentinel.
func ReadDestinations(buf []byte) ([]NodeID, int, error) {
	if len(buf) < 8 {
		return nil, 0, errors.Wrapf(ErrMalformedHeader, "destination count truncated: %d bytes", len(buf))
	}
	count := binary.BigEndian.Uint64(buf[0:8])
	if count > uint64(len(buf)-8)/nodeIDSize {
		return nil, 0, errors.Wrapf(ErrMalformedHeader, "destination list of %d nodes exceeds %d byte buffer", count, len(buf))
	}
	if count == 0 {
		return nil, 8, nil
	}

	nodes := make([]NodeID, count)
	offset := 8
	for i := range nodes {
		nodes[i] = NodeID(binary.BigEndian.Uint32(buf[offset : offset+nodeIDSize]))
		offset += nodeIDSize
	}
	return nodes, offset, nil
}

// Targets reports whether a destination list read by ReadDestinations
// addresses node.
func Targets(nodes []NodeID, node NodeID) bool {
	if len(nodes) == 0 {
		return true
	}
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}
