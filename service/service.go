// Package service exposes the methods of a Go value as RPC handlers.
//
// A method is exported over RPC when it has one of the shapes
//
//	func (t *T) Method(args *Args, reply *Reply) error
//	func (t *T) Method(ctx context.Context, args *Args, reply *Reply) error
//
// Each method is bound to the opcode {ClassID(T), subgroup, FunctionID(Method)}.
// Both ids are hashes of names, so a caller can address a method from its
// "Service.Method" string alone.
package service

import (
	"context"
	"encoding/json"
	"hash/crc32"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"group-rpc/message"
	"group-rpc/protocol"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type Service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// New scans rcvr, which must be a pointer to a struct, for RPC methods.
func New(rcvr any) (*Service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rpc: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	s := &Service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, errors.Errorf("rpc: %s has no method of RPC shape", s.name)
	}
	return s, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func (s *Service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := &methodType{method: method}

		in := method.Type.NumIn()
		first := 1
		if in == 4 && method.Type.In(1) == contextType {
			mt.withCtx = true
			first = 2
		} else if in != 3 {
			continue
		}
		if method.Type.NumOut() != 1 || method.Type.Out(0) != errorType ||
			method.Type.In(first).Kind() != reflect.Ptr || method.Type.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		mt.ArgType = method.Type.In(first).Elem()
		mt.ReplyType = method.Type.In(first + 1).Elem()
		s.method[method.Name] = mt
	}
}

func (s *Service) Name() string {
	return s.name
}

// Methods returns the RPC method names in sorted order.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.method))
	for name := range s.method {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invoke decodes the JSON arguments of req, calls the method and encodes
// its reply.
func (s *Service) invoke(ctx context.Context, mt *methodType, req *message.RPCMessage) *message.RPCMessage {
	resp := &message.RPCMessage{InvocationID: req.InvocationID}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)
	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		resp.SetErr(&message.RemoteError{Kind: message.KindDecode, Message: err.Error()})
		return resp
	}
	if err := s.call(ctx, mt, argv, replyv); err != nil {
		resp.SetErr(err)
		return resp
	}
	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		resp.SetErr(errors.Wrap(err, "failed to encode reply"))
		return resp
	}
	resp.Payload = payload
	return resp
}

func (s *Service) call(ctx context.Context, mt *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr, argv, replyv}
	if mt.withCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := mt.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// ClassID identifies a service by name.
func ClassID(service string) uint32 {
	return crc32.ChecksumIEEE([]byte(service))
}

// FunctionID identifies a method within its service.
func FunctionID(method string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(method))
	return h.Sum64()
}

// Opcode returns the request opcode of serviceMethod ("Service.Method") in
// subgroup.
func Opcode(serviceMethod string, subgroup uint32) (protocol.Opcode, error) {
	svc, method, ok := strings.Cut(serviceMethod, ".")
	if !ok || svc == "" || method == "" || strings.Contains(method, ".") {
		return protocol.Opcode{}, errors.Errorf("invalid service method %q", serviceMethod)
	}
	return protocol.Opcode{
		ClassID:    ClassID(svc),
		SubgroupID: subgroup,
		FunctionID: FunctionID(method),
	}, nil
}
