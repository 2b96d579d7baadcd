package controlplane

import (
	"sync"

	"github.com/fluxlog/spu/internal/replicalog"
)

// Static is an in-memory Channel implementation: endpoints are set up
// front, assignments are pushed in by the test or by cmd/spu's
// single-node bootstrap, and reported statuses are just recorded.
// Nothing here talks to a real SC.
type Static struct {
	mu          sync.Mutex
	endpoints   map[int32]SpuEndpoint
	assignments chan ReplicaAssignment
	statuses    map[replicalog.ReplicaKey]ReplicaStatus
}

// NewStatic returns a Static with the given known peer endpoints. The
// assignment channel has a small buffer so PushAssignment doesn't block
// on a supervisor that hasn't started its watch loop yet.
func NewStatic(endpoints map[int32]SpuEndpoint) *Static {
	return &Static{
		endpoints:   endpoints,
		assignments: make(chan ReplicaAssignment, 64),
		statuses:    make(map[replicalog.ReplicaKey]ReplicaStatus),
	}
}

func (s *Static) Lookup(spuID int32) (SpuEndpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[spuID]
	return ep, ok
}

func (s *Static) Watch() <-chan ReplicaAssignment {
	return s.assignments
}

// PushAssignment simulates the SC delivering a new assignment.
func (s *Static) PushAssignment(a ReplicaAssignment) {
	s.assignments <- a
}

// Close stops the assignment watch; callers of Watch see the channel close.
func (s *Static) Close() {
	close(s.assignments)
}

func (s *Static) ReportStatus(st ReplicaStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.Key] = st
}

// Status returns the last status reported for key, for test assertions.
func (s *Static) Status(key replicalog.ReplicaKey) (ReplicaStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[key]
	return st, ok
}
