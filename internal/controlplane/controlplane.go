// Package controlplane defines the minimal collaborator interfaces an SPU
// needs from the external Streaming Controller: where replicas should live,
// how to reach peer SPUs, and where to report status. The SC's own
// leader-election and topic-metadata logic is out of scope for this
// module — it is modeled here only as the shape an SPU depends on.
package controlplane

import "github.com/fluxlog/spu/internal/replicalog"

// ReplicaAssignment describes one partition's placement as decided by the SC.
type ReplicaAssignment struct {
	Key               replicalog.ReplicaKey
	LeaderID          int32
	FollowerIDs       []int32
	MinInSyncReplicas int
}

// SpuEndpoint is how a peer SPU can be reached for replication traffic.
type SpuEndpoint struct {
	SpuID       int32
	PrivateAddr string
}

// SpuDirectory resolves SPU IDs to dialable addresses. The SC keeps this
// up to date as SPUs join, leave, or move.
type SpuDirectory interface {
	Lookup(spuID int32) (SpuEndpoint, bool)
}

// ReplicaAssignmentWatcher delivers assignment changes pushed by the SC:
// a partition's leader/follower set, or min-in-sync-replicas, changing.
type ReplicaAssignmentWatcher interface {
	// Watch delivers one ReplicaAssignment per change. Implementations
	// close the channel when the watch ends (e.g. connection to the SC
	// is lost); callers treat a closed channel as "assignments unknown,
	// hold current state" rather than "all replicas removed".
	Watch() <-chan ReplicaAssignment
}

// ReplicaStatus is what an SPU reports back to the SC about a replica it
// hosts, for the SC's own health/ISR-shrink bookkeeping.
type ReplicaStatus struct {
	Key replicalog.ReplicaKey
	LEO int64
	HW  int64
}

// StatusSink is where an SPU reports replica status. A real
// implementation pushes these over a control connection to the SC; the
// in-memory implementation here just records the latest value per key.
type StatusSink interface {
	ReportStatus(ReplicaStatus)
}

// Channel bundles the three collaborators an SPU's core supervisor needs.
// It deliberately omits any notion of topic creation, partition count
// decisions, or SC leader election — those stay entirely on the SC side.
type Channel interface {
	SpuDirectory
	ReplicaAssignmentWatcher
	StatusSink
}
