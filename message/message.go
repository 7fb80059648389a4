// Package message defines the envelope carried in the payload of every RPC
// request and reply.
//
// The envelope is serialized by the codec layer and framed by the protocol
// layer. A handler exception travels inside the reply envelope as a
// RemoteError, so the caller observes it as the failure of its own call.
package message

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds used by the service and middleware layers.
const (
	KindHandler     = "handler"      // the method returned an error
	KindPanic       = "panic"        // the method panicked
	KindDecode      = "decode"       // the arguments could not be decoded
	KindTimeout     = "timeout"      // the method exceeded its deadline
	KindRateLimited = "rate_limited" // the receiver shed the call
	KindUnavailable = "unavailable"  // no reply could be obtained from the node
)

// RPCMessage carries one RPC request or reply.
//
//   - On request: InvocationID identifies the call at the caller, Payload holds the encoded args.
//   - On reply:   InvocationID is echoed back, Payload holds the encoded result,
//     ErrorKind is non-empty if the handler failed.
type RPCMessage struct {
	InvocationID uint64
	Payload      []byte
	ErrorKind    string
	Error        string
}

// Err returns the captured handler failure, or nil.
func (m *RPCMessage) Err() error {
	if m.ErrorKind == "" {
		return nil
	}
	return &RemoteError{Kind: m.ErrorKind, Message: m.Error}
}

// SetErr records err in the envelope. An error wrapping a *RemoteError
// keeps its kind, any other error is reported as KindHandler.
func (m *RPCMessage) SetErr(err error) {
	if err == nil {
		m.ErrorKind, m.Error = "", ""
		return
	}
	var re *RemoteError
	if errors.As(err, &re) {
		m.ErrorKind, m.Error = re.Kind, re.Message
		return
	}
	m.ErrorKind, m.Error = KindHandler, err.Error()
}

// RemoteError is an exception captured while a handler ran, possibly on
// another node.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}
