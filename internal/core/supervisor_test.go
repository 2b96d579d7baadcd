package core

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/config"
	"github.com/fluxlog/spu/internal/controlplane"
	"github.com/fluxlog/spu/internal/replicalog"
)

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[3-i] = byte(v >> (8 * i))
	}
}

func computeCRC(data []byte) uint32 {
	const polynomial = 0x82F63B78
	crc := ^uint32(0)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

func testBatch(baseOffset int64) []byte {
	b := make([]byte, 100)
	putUint64(b[0:8], uint64(baseOffset))
	putUint32(b[8:12], 88)
	b[16] = 2
	putUint32(b[23:27], 0)
	ts := time.Now().UnixMilli()
	putUint64(b[27:35], uint64(ts))
	putUint64(b[35:43], uint64(ts))
	putUint32(b[57:61], 1)
	crc := computeCRC(b[21:])
	putUint32(b[17:21], crc)
	return b
}

func testSpuConfig(spuID int32, baseDir string) config.SpuConfig {
	c := config.Defaults()
	c.SpuID = spuID
	c.BaseDir = baseDir
	c.PrivateEndpoint = "127.0.0.1:0"
	c.PublicEndpoint = "127.0.0.1:0"
	c.MinInSyncReplicas = 1
	c.RetentionMs = -1
	c.RetentionBytes = -1
	c.ReconnectMinBackoff = 10 * time.Millisecond
	c.ReconnectMaxBackoff = 20 * time.Millisecond
	return c
}

func TestSupervisor_LeaderReplicatesToFollower(t *testing.T) {
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}

	cpLeader := controlplane.NewStatic(nil)
	leaderSup := NewSupervisor(testSpuConfig(1, t.TempDir()), cpLeader, zap.NewNop())
	if err := leaderSup.Start(); err != nil {
		t.Fatal(err)
	}
	defer leaderSup.Stop()

	cpFollower := controlplane.NewStatic(map[int32]controlplane.SpuEndpoint{
		1: {SpuID: 1, PrivateAddr: leaderSup.PeerAddr()},
	})
	followerSup := NewSupervisor(testSpuConfig(2, t.TempDir()), cpFollower, zap.NewNop())
	if err := followerSup.Start(); err != nil {
		t.Fatal(err)
	}
	defer followerSup.Stop()

	assignment := controlplane.ReplicaAssignment{Key: key, LeaderID: 1, FollowerIDs: []int32{2}, MinInSyncReplicas: 1}
	cpLeader.PushAssignment(assignment)
	cpFollower.PushAssignment(assignment)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		leaderSup.mu.Lock()
		_, ok := leaderSup.replicas[key]
		leaderSup.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	leaderSup.mu.Lock()
	leaderEntry := leaderSup.replicas[key]
	leaderSup.mu.Unlock()
	if leaderEntry == nil || leaderEntry.leaderCtl == nil {
		t.Fatal("leader replica not established")
	}

	if _, err := leaderEntry.leaderCtl.ProduceWrite(testBatch(0)); err != nil {
		t.Fatalf("produce: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		followerSup.mu.Lock()
		fe, ok := followerSup.replicas[key]
		followerSup.mu.Unlock()
		if ok && fe.log.LEO() == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("follower never caught up to leader's produced batch")
}

// TestSupervisor_FollowerCatchesUpOnExistingRecords covers S1: a follower
// registering against a leader that already has records on disk (from
// before the follower ever connected) must fetch-stream from offset 0 and
// catch up on all of them, not just batches produced after it joined.
func TestSupervisor_FollowerCatchesUpOnExistingRecords(t *testing.T) {
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}

	cpLeader := controlplane.NewStatic(nil)
	leaderSup := NewSupervisor(testSpuConfig(1, t.TempDir()), cpLeader, zap.NewNop())
	if err := leaderSup.Start(); err != nil {
		t.Fatal(err)
	}
	defer leaderSup.Stop()

	assignment := controlplane.ReplicaAssignment{Key: key, LeaderID: 1, FollowerIDs: []int32{2}, MinInSyncReplicas: 1}
	cpLeader.PushAssignment(assignment)

	leaderEntry := waitForReplica(t, leaderSup, key)

	for i := int64(0); i < 3; i++ {
		if _, err := leaderEntry.leaderCtl.ProduceWrite(testBatch(i)); err != nil {
			t.Fatalf("produce existing record %d: %v", i, err)
		}
	}

	cpFollower := controlplane.NewStatic(map[int32]controlplane.SpuEndpoint{
		1: {SpuID: 1, PrivateAddr: leaderSup.PeerAddr()},
	})
	followerSup := NewSupervisor(testSpuConfig(2, t.TempDir()), cpFollower, zap.NewNop())
	if err := followerSup.Start(); err != nil {
		t.Fatal(err)
	}
	defer followerSup.Stop()
	cpFollower.PushAssignment(assignment)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		followerSup.mu.Lock()
		fe, ok := followerSup.replicas[key]
		followerSup.mu.Unlock()
		if ok && fe.log.LEO() == 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("follower never caught up on the leader's pre-existing records")
}

// TestSupervisor_FollowerReconnectResumesWithoutDuplicateOffsets covers S4:
// a follower that disconnects (process restart, dropped connection) and
// reconnects must resume fetch-streaming from its own persisted LEO, never
// re-appending a batch it already has — the follower skips any pushed batch
// below its LEO and AppendReplicated rejects any other base-offset mismatch
// (replicalog.ErrOffsetMismatch), so LEO reaching exactly 2 shows no batch
// was appended twice.
func TestSupervisor_FollowerReconnectResumesWithoutDuplicateOffsets(t *testing.T) {
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}

	cpLeader := controlplane.NewStatic(nil)
	leaderSup := NewSupervisor(testSpuConfig(1, t.TempDir()), cpLeader, zap.NewNop())
	if err := leaderSup.Start(); err != nil {
		t.Fatal(err)
	}
	defer leaderSup.Stop()

	assignment := controlplane.ReplicaAssignment{Key: key, LeaderID: 1, FollowerIDs: []int32{2}, MinInSyncReplicas: 1}
	cpLeader.PushAssignment(assignment)
	leaderEntry := waitForReplica(t, leaderSup, key)

	if _, err := leaderEntry.leaderCtl.ProduceWrite(testBatch(0)); err != nil {
		t.Fatalf("produce: %v", err)
	}

	followerDir := t.TempDir()
	cpFollower := controlplane.NewStatic(map[int32]controlplane.SpuEndpoint{
		1: {SpuID: 1, PrivateAddr: leaderSup.PeerAddr()},
	})
	followerSup := NewSupervisor(testSpuConfig(2, followerDir), cpFollower, zap.NewNop())
	if err := followerSup.Start(); err != nil {
		t.Fatal(err)
	}
	cpFollower.PushAssignment(assignment)

	deadline := time.Now().Add(3 * time.Second)
	caughtUp := false
	for time.Now().Before(deadline) {
		followerSup.mu.Lock()
		fe, ok := followerSup.replicas[key]
		followerSup.mu.Unlock()
		if ok && fe.log.LEO() == 1 {
			caughtUp = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !caughtUp {
		t.Fatal("follower never caught up before simulated disconnect")
	}

	// Simulate a dropped connection / process restart: tear this follower
	// supervisor down (closing its on-disk log) without telling the leader.
	followerSup.Stop()

	if _, err := leaderEntry.leaderCtl.ProduceWrite(testBatch(1)); err != nil {
		t.Fatalf("produce second batch: %v", err)
	}

	// A fresh supervisor reopens the same on-disk log and reconnects; it
	// must resume from its persisted LEO of 1 straight to 2, never
	// re-fetching or re-appending batch 0.
	followerSup2 := NewSupervisor(testSpuConfig(2, followerDir), cpFollower, zap.NewNop())
	if err := followerSup2.Start(); err != nil {
		t.Fatal(err)
	}
	defer followerSup2.Stop()
	cpFollower.PushAssignment(assignment)

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		followerSup2.mu.Lock()
		fe, ok := followerSup2.replicas[key]
		followerSup2.mu.Unlock()
		if ok && fe.log.LEO() == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("follower never resumed to LEO 2 after reconnect")
}

func waitForReplica(t *testing.T, s *Supervisor, key replicalog.ReplicaKey) *replicaEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		e, ok := s.replicas[key]
		s.mu.Unlock()
		if ok {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("replica never established")
	return nil
}
