package model

import (
	"sort"
	"sync"
)

// ServerState tracks the newest change number seen per replica
type ServerState struct {
	mu    sync.RWMutex
	state map[uint16]ChangeNumber
}

// NewServerState creates an empty server state
func NewServerState() *ServerState {
	return &ServerState{state: make(map[uint16]ChangeNumber)}
}

// NewServerStateFrom builds a state from a snapshot
func NewServerStateFrom(snapshot map[uint16]ChangeNumber) *ServerState {
	s := NewServerState()
	for id, cn := range snapshot {
		s.state[id] = cn
	}
	return s
}

// Update records cn if it is newer than what is known for its replica.
// It returns false when cn is already covered.
func (s *ServerState) Update(cn ChangeNumber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.state[cn.ReplicaID]
	if ok && !cur.Less(cn) {
		return false
	}
	s.state[cn.ReplicaID] = cn
	return true
}

// Covers reports whether cn is at or below the state of its replica
func (s *ServerState) Covers(cn ChangeNumber) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.state[cn.ReplicaID]
	return ok && !cur.Less(cn)
}

// Get returns the newest change number known for a replica
func (s *ServerState) Get(replicaID uint16) (ChangeNumber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cn, ok := s.state[replicaID]
	return cn, ok
}

// Replicas returns the known replica ids in ascending order
func (s *ServerState) Replicas() []uint16 {
	s.mu.RLock()
	ids := make([]uint16, 0, len(s.state))
	for id := range s.state {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns a copy of the state
func (s *ServerState) Snapshot() map[uint16]ChangeNumber {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[uint16]ChangeNumber, len(s.state))
	for id, cn := range s.state {
		out[id] = cn
	}
	return out
}

// Len returns the number of replicas in the state
func (s *ServerState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state)
}
