// Package registry maps opcodes to the handlers registered on this node.
//
// A handler receives the raw request payload and an Allocator. When it has
// a reply it asks the allocator for exactly the number of bytes it needs,
// writes the reply there and returns it in a Reply. The payload may share
// memory with the reply space, so a handler must be done reading the payload
// before it calls the allocator.
package registry

import (
	"sync"

	"github.com/pkg/errors"

	"group-rpc/protocol"
)

var ErrDuplicateOpcode = errors.New("opcode already registered")

// Allocator reserves size bytes of reply space. It returns nil when the
// request cannot be satisfied, in which case the call is one-way.
type Allocator func(size int) []byte

// Reply describes the outcome of a handler invocation. A nil Payload means
// no reply is sent. Exception carries any error captured while the handler
// ran, whether or not a reply was written.
type Reply struct {
	Payload   []byte
	Opcode    protocol.Opcode
	Size      int
	Exception error
}

// Handler serves one opcode.
type Handler func(from protocol.NodeID, payload []byte, alloc Allocator) Reply

// Registry is safe for concurrent use: handlers are looked up from the
// multicast delivery goroutine and the point-to-point polling loop while
// services may still be registering.
type Registry struct {
	mu       sync.RWMutex
	handlers map[protocol.Opcode]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[protocol.Opcode]Handler)}
}

// Register binds h to op. An opcode is bound at most once.
func (r *Registry) Register(op protocol.Opcode, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[op]; ok {
		return errors.Wrapf(ErrDuplicateOpcode, "opcode %v", op)
	}
	r.handlers[op] = h
	return nil
}

func (r *Registry) Unregister(op protocol.Opcode) {
	r.mu.Lock()
	delete(r.handlers, op)
	r.mu.Unlock()
}

func (r *Registry) Lookup(op protocol.Opcode) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[op]
	r.mu.RUnlock()
	return h, ok
}

// Len returns the number of registered opcodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
