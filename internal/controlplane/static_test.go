package controlplane

import (
	"testing"

	"github.com/fluxlog/spu/internal/replicalog"
)

func TestStatic_LookupUnknown(t *testing.T) {
	s := NewStatic(map[int32]SpuEndpoint{1: {SpuID: 1, PrivateAddr: "10.0.0.1:9005"}})
	if _, ok := s.Lookup(2); ok {
		t.Fatal("expected lookup of unknown spu to miss")
	}
	ep, ok := s.Lookup(1)
	if !ok || ep.PrivateAddr != "10.0.0.1:9005" {
		t.Fatalf("unexpected lookup result: %+v ok=%v", ep, ok)
	}
}

func TestStatic_PushAndWatchAssignment(t *testing.T) {
	s := NewStatic(nil)
	defer s.Close()

	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	s.PushAssignment(ReplicaAssignment{Key: key, LeaderID: 1, FollowerIDs: []int32{2, 3}, MinInSyncReplicas: 2})

	got := <-s.Watch()
	if got.Key != key || got.LeaderID != 1 || len(got.FollowerIDs) != 2 {
		t.Fatalf("unexpected assignment: %+v", got)
	}
}

func TestStatic_ReportAndReadStatus(t *testing.T) {
	s := NewStatic(nil)
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	s.ReportStatus(ReplicaStatus{Key: key, LEO: 10, HW: 8})

	st, ok := s.Status(key)
	if !ok || st.LEO != 10 || st.HW != 8 {
		t.Fatalf("unexpected status: %+v ok=%v", st, ok)
	}
}
