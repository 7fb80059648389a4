package main

import "sync"

// Store is the replicated key-value service both commands expose. Puts are
// meant to be issued as ordered calls so every member applies them in the
// same order; Gets can be served by any member.
type Store struct {
	mu      sync.RWMutex
	data    map[string]string
	version uint64
}

type PutArgs struct {
	Key   string
	Value string
}

type PutReply struct {
	Version uint64
}

type GetArgs struct {
	Key string
}

type GetReply struct {
	Value   string
	Found   bool
	Version uint64
}

type StatsArgs struct{}

type StatsReply struct {
	Keys    int
	Version uint64
}

func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Put(args *PutArgs, reply *PutReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[args.Key] = args.Value
	s.version++
	reply.Version = s.version
	return nil
}

func (s *Store) Get(args *GetArgs, reply *GetReply) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reply.Value, reply.Found = s.data[args.Key]
	reply.Version = s.version
	return nil
}

func (s *Store) Stats(args *StatsArgs, reply *StatsReply) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reply.Keys = len(s.data)
	reply.Version = s.version
	return nil
}
