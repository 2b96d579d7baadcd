package leader

import "sync/atomic"

// FollowerOffset is a follower's last-reported replication position.
type FollowerOffset struct {
	LEO int64
	HW  int64
}

// FollowerTable is a single-writer, many-reader map of attached followers'
// offsets. Readers take an atomic snapshot — no lock is held across a
// caller's use of the returned map, so a slow reader never blocks the
// leader's single-writer event loop.
type FollowerTable struct {
	snapshot atomic.Pointer[map[int32]FollowerOffset]
}

// NewFollowerTable returns an empty table.
func NewFollowerTable() *FollowerTable {
	t := &FollowerTable{}
	empty := map[int32]FollowerOffset{}
	t.snapshot.Store(&empty)
	return t
}

// Snapshot returns the current follower-offset map. The caller must treat it
// as immutable.
func (t *FollowerTable) Snapshot() map[int32]FollowerOffset {
	return *t.snapshot.Load()
}

// update replaces followerID's entry, copy-on-write.
func (t *FollowerTable) update(followerID int32, off FollowerOffset) {
	old := *t.snapshot.Load()
	next := make(map[int32]FollowerOffset, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[followerID] = off
	t.snapshot.Store(&next)
}

// remove deletes followerID's entry, copy-on-write.
func (t *FollowerTable) remove(followerID int32) {
	old := *t.snapshot.Load()
	if _, ok := old[followerID]; !ok {
		return
	}
	next := make(map[int32]FollowerOffset, len(old))
	for k, v := range old {
		if k != followerID {
			next[k] = v
		}
	}
	t.snapshot.Store(&next)
}
