package leader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/replicalog"
	"github.com/fluxlog/spu/internal/resource"
	"github.com/fluxlog/spu/internal/segment"
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

func newTestLog(t *testing.T) *replicalog.ReplicaLog {
	t.Helper()
	cache := resource.NewSegmentCache(10)
	t.Cleanup(func() { cache.Close() })

	cfg := replicalog.Config{
		SegmentConfig: segment.Config{
			SegmentMaxBytes:    1 << 20,
			IndexMaxBytes:      1 << 16,
			IndexIntervalBytes: 4096,
		},
		RetentionMs:    -1,
		RetentionBytes: -1,
	}
	r, err := replicalog.Open(t.TempDir(), replicalog.ReplicaKey{Topic: "orders", Partition: 0}, cfg, cache)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReplica_ProduceWrite_AdvancesHWWhenSoleInSync(t *testing.T) {
	log := newTestLog(t)
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	r := NewReplica(key, log, 1, 0, zap.NewNop())
	r.Start()
	defer r.Stop()

	offset, err := r.ProduceWrite(testBatch(0))
	require.NoError(t, err)
	require.Equal(t, int64(0), offset)
	require.Equal(t, int64(1), r.LEO())
	require.Eventually(t, func() bool { return r.HW() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReplica_HWWaitsForMinInSyncReplicas(t *testing.T) {
	log := newTestLog(t)
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	r := NewReplica(key, log, 2, 0, zap.NewNop())
	require.NoError(t, r.SetAssignment([]int32{2}, 2))
	r.Start()
	defer r.Stop()

	_, err := r.ProduceWrite(testBatch(0))
	require.NoError(t, err)

	// No follower has reported in yet: HW must not advance past 0, since
	// rank = minInSyncReplicas-1 = 1 picks the follower's (missing -> 0)
	// candidate, not the leader's own LEO.
	require.Never(t, func() bool { return r.HW() > 0 }, 150*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, r.ReportFollowerOffset(2, 1, 0))
	require.Eventually(t, func() bool { return r.HW() == 1 }, time.Second, 10*time.Millisecond)
}

func TestReplica_ReportFollowerOffset_RejectsHWAboveLEO(t *testing.T) {
	log := newTestLog(t)
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	r := NewReplica(key, log, 1, 0, zap.NewNop())
	r.Start()
	defer r.Stop()

	err := r.ReportFollowerOffset(2, 5, 10)
	require.ErrorIs(t, err, ErrInvalidFollowerOffsets)
}

func TestReplica_IsAssigned(t *testing.T) {
	log := newTestLog(t)
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	r := NewReplica(key, log, 1, 0, zap.NewNop())
	r.Start()
	defer r.Stop()

	require.False(t, r.IsAssigned(2))
	require.NoError(t, r.SetAssignment([]int32{2, 3}, 1))
	require.Eventually(t, func() bool { return r.IsAssigned(2) && r.IsAssigned(3) }, time.Second, 10*time.Millisecond)
	require.False(t, r.IsAssigned(4))
}

func TestReplica_RemoveFollower(t *testing.T) {
	log := newTestLog(t)
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	r := NewReplica(key, log, 1, 0, zap.NewNop())
	require.NoError(t, r.SetAssignment([]int32{2}, 1))
	r.Start()
	defer r.Stop()

	require.NoError(t, r.ReportFollowerOffset(2, 3, 3))
	require.Eventually(t, func() bool { return len(r.Followers()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, r.RemoveFollower(2))
	require.Eventually(t, func() bool { return len(r.Followers()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestReplica_ProduceAfterStop(t *testing.T) {
	log := newTestLog(t)
	key := replicalog.ReplicaKey{Topic: "orders", Partition: 0}
	r := NewReplica(key, log, 1, 0, zap.NewNop())
	r.Start()
	r.Stop()

	_, err := r.ProduceWrite(testBatch(0))
	require.ErrorIs(t, err, ErrReplicaStopped)
}
