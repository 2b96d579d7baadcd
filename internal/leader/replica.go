// Package leader implements the leader side of replica synchronization: a
// single-writer controller per replica that accepts producer writes,
// tracks every attached follower's reported offset, and advances the
// high-watermark once enough replicas have caught up.
package leader

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/replicalog"
)

type produceResult struct {
	offset int64
	err    error
}

type produceWriteEvent struct {
	batch  []byte
	result chan produceResult
}

type followerOffsetUpdateEvent struct {
	followerID int32
	leo        int64
	hw         int64
}

type assignmentEvent struct {
	followerIDs []int32
	minInSync   int
}

type removeFollowerEvent struct {
	followerID int32
}

// Replica is the leader-side controller for one partition. All decisions —
// applying a producer write, folding in a follower's reported offset,
// recomputing the high-watermark — happen serially on a single goroutine,
// so no locking is needed around the replication decision itself.
type Replica struct {
	Key               replicalog.ReplicaKey
	log               *replicalog.ReplicaLog
	minInSyncReplicas int
	assigned          atomic.Pointer[map[int32]struct{}]

	followers *FollowerTable
	wakeup    *waker

	events chan any
	quit   chan struct{}
	wg     sync.WaitGroup

	logger *zap.Logger
}

// defaultEventQueueSize is used when NewReplica is given a non-positive
// queue size.
const defaultEventQueueSize = 256

// NewReplica constructs a leader controller for key, backed by log. The
// event loop does not start until Start is called. eventQueueSize bounds
// the controller's event channel; values <= 0 fall back to
// defaultEventQueueSize.
func NewReplica(key replicalog.ReplicaKey, log *replicalog.ReplicaLog, minInSyncReplicas int, eventQueueSize int, logger *zap.Logger) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventQueueSize <= 0 {
		eventQueueSize = defaultEventQueueSize
	}
	r := &Replica{
		Key:               key,
		log:               log,
		minInSyncReplicas: minInSyncReplicas,
		followers:         NewFollowerTable(),
		wakeup:            newWaker(),
		events:            make(chan any, eventQueueSize),
		quit:              make(chan struct{}),
		logger:            logger,
	}
	empty := map[int32]struct{}{}
	r.assigned.Store(&empty)
	return r
}

// Start launches the controller's event loop.
func (r *Replica) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop terminates the event loop and waits for it to exit.
func (r *Replica) Stop() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Replica) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.events:
			r.handle(e)
		case <-r.quit:
			return
		}
	}
}

func (r *Replica) handle(e any) {
	switch ev := e.(type) {
	case produceWriteEvent:
		offset, err := r.log.Append(ev.batch)
		if err == nil {
			r.recomputeHW()
		}
		ev.result <- produceResult{offset: offset, err: err}

	case followerOffsetUpdateEvent:
		r.followers.update(ev.followerID, FollowerOffset{LEO: ev.leo, HW: ev.hw})
		r.recomputeHW()

	case assignmentEvent:
		assigned := make(map[int32]struct{}, len(ev.followerIDs))
		for _, id := range ev.followerIDs {
			assigned[id] = struct{}{}
		}
		r.assigned.Store(&assigned)
		if ev.minInSync > 0 {
			r.minInSyncReplicas = ev.minInSync
		}

		// Seed a zero-offset entry for every newly assigned follower, so
		// the HW rule's candidate set reflects "attached but not yet
		// caught up" rather than silently shrinking to just the leader
		// until the follower's first report arrives. Drop entries for
		// followers no longer in the assignment.
		for id := range assigned {
			if _, ok := r.followers.Snapshot()[id]; !ok {
				r.followers.update(id, FollowerOffset{})
			}
		}
		for id := range r.followers.Snapshot() {
			if _, ok := assigned[id]; !ok {
				r.followers.remove(id)
			}
		}
		r.recomputeHW()

	case removeFollowerEvent:
		r.followers.remove(ev.followerID)
		r.recomputeHW()
	}
}

// recomputeHW applies the spec's high-watermark rule: the R-th largest value
// among {leader LEO} union {in-sync follower LEOs}, where R is
// minInSyncReplicas, clipped to [previous HW, leader LEO] by UpdateHW
// itself. With fewer than R known members HW is left unchanged. Caller must
// be running on the event loop goroutine.
func (r *Replica) recomputeHW() {
	leo := r.log.LEO()

	followers := r.followers.Snapshot()
	candidates := make([]int64, 0, len(followers)+1)
	candidates = append(candidates, leo)
	for _, f := range followers {
		candidates = append(candidates, f.LEO)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] > candidates[j] })

	rank := r.minInSyncReplicas - 1
	if rank < 0 {
		rank = 0
	}
	if rank < len(candidates) {
		if _, err := r.log.UpdateHW(candidates[rank]); err != nil {
			r.logger.Warn("failed to persist high-watermark", zap.String("replica", r.Key.String()), zap.Error(err))
			return
		}
	}
	r.wakeup.wake()
}

// ProduceWrite appends batchBytes on the event loop and returns the offset
// assigned to it.
func (r *Replica) ProduceWrite(batchBytes []byte) (int64, error) {
	result := make(chan produceResult, 1)
	select {
	case r.events <- produceWriteEvent{batch: batchBytes, result: result}:
	case <-r.quit:
		return 0, ErrReplicaStopped
	}

	select {
	case res := <-result:
		return res.offset, res.err
	case <-r.quit:
		return 0, ErrReplicaStopped
	}
}

// ReportFollowerOffset folds followerID's self-reported LEO/HW into the
// follower table and recomputes the high-watermark.
func (r *Replica) ReportFollowerOffset(followerID int32, leo, hw int64) error {
	if hw > leo {
		return ErrInvalidFollowerOffsets
	}
	select {
	case r.events <- followerOffsetUpdateEvent{followerID: followerID, leo: leo, hw: hw}:
		return nil
	case <-r.quit:
		return ErrReplicaStopped
	}
}

// SetAssignment replaces the replica's assigned follower set, as pushed by
// the control plane. A follower not in this set is refused at registration.
func (r *Replica) SetAssignment(followerIDs []int32, minInSyncReplicas int) error {
	select {
	case r.events <- assignmentEvent{followerIDs: followerIDs, minInSync: minInSyncReplicas}:
		return nil
	case <-r.quit:
		return ErrReplicaStopped
	}
}

// RemoveFollower drops followerID from the live follower table (e.g. on
// disconnect), recomputing the high-watermark without it.
func (r *Replica) RemoveFollower(followerID int32) error {
	select {
	case r.events <- removeFollowerEvent{followerID: followerID}:
		return nil
	case <-r.quit:
		return ErrReplicaStopped
	}
}

// IsAssigned reports whether followerID is part of this replica's current
// assignment. Safe to call from any goroutine: the assignment map is
// swapped atomically by the event loop, never mutated in place.
func (r *Replica) IsAssigned(followerID int32) bool {
	assigned := *r.assigned.Load()
	_, ok := assigned[followerID]
	return ok
}

// WaitForChange returns a channel that closes the next time the leader's LEO
// or HW changes — used by FollowerHandler to block between pushes instead
// of busy-polling.
func (r *Replica) WaitForChange() <-chan struct{} {
	return r.wakeup.wait()
}

// ReadFrom reads committed-or-uncommitted data directly from the backing
// log, for FollowerHandler's push loop.
func (r *Replica) ReadFrom(offset int64, maxBytes int32, wm replicalog.Watermark) ([]byte, error) {
	return r.log.ReadFrom(offset, maxBytes, wm)
}

// LEO returns the leader's current log-end-offset.
func (r *Replica) LEO() int64 { return r.log.LEO() }

// HW returns the leader's current high-watermark.
func (r *Replica) HW() int64 { return r.log.HW() }

// BaseOffset returns the offset of the oldest data still on disk for this
// replica, for peer-file-topic queries.
func (r *Replica) BaseOffset() int64 { return r.log.EarliestOffset() }

// Followers returns a snapshot of currently attached followers' offsets.
func (r *Replica) Followers() map[int32]FollowerOffset {
	return r.followers.Snapshot()
}
