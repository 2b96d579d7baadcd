package replicalog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxlog/spu/internal/batch"
	"github.com/fluxlog/spu/internal/resource"
	"github.com/fluxlog/spu/internal/segment"
)

// buildBatch constructs a valid, CRC-correct batch binary matching
// batch.Decode's layout, mirroring the fixtures internal/segment's own
// recovery tests use.
func buildBatch(baseOffset int64, recordsCount int32, payload []byte) []byte {
	buf := new(bytes.Buffer)
	batchLen := int32(49 + len(payload))

	binary.Write(buf, binary.BigEndian, baseOffset)
	binary.Write(buf, binary.BigEndian, batchLen)
	binary.Write(buf, binary.BigEndian, int32(0))
	binary.Write(buf, binary.BigEndian, int8(2))

	crcBuf := new(bytes.Buffer)
	binary.Write(crcBuf, binary.BigEndian, int16(0))
	binary.Write(crcBuf, binary.BigEndian, int32(recordsCount-1))
	ts := time.Now().UnixMilli()
	binary.Write(crcBuf, binary.BigEndian, ts)
	binary.Write(crcBuf, binary.BigEndian, ts)
	binary.Write(crcBuf, binary.BigEndian, int64(-1))
	binary.Write(crcBuf, binary.BigEndian, int16(-1))
	binary.Write(crcBuf, binary.BigEndian, int32(-1))
	binary.Write(crcBuf, binary.BigEndian, recordsCount)
	crcBuf.Write(payload)

	crc := crc32.Checksum(crcBuf.Bytes(), crc32.MakeTable(crc32.Castagnoli))
	binary.Write(buf, binary.BigEndian, crc)
	buf.Write(crcBuf.Bytes())
	return buf.Bytes()
}

func defaultTestConfig() Config {
	return Config{
		SegmentConfig: segment.Config{
			SegmentMaxBytes:    1 << 20,
			IndexMaxBytes:      1 << 16,
			IndexIntervalBytes: 4096,
		},
		RetentionMs:    -1,
		RetentionBytes: -1,
	}
}

func newTestReplicaLog(t *testing.T, cfg Config) *ReplicaLog {
	t.Helper()
	cache := resource.NewSegmentCache(10)
	t.Cleanup(func() { cache.Close() })
	r, err := Open(t.TempDir(), ReplicaKey{Topic: "orders", Partition: 0}, cfg, cache)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// TestReplicaLog_LEO_EqualsSumOfRecordsAppended is property 1: LEO equals
// the sum of records across every appended batch, from the base offset.
func TestReplicaLog_LEO_EqualsSumOfRecordsAppended(t *testing.T) {
	r := newTestReplicaLog(t, defaultTestConfig())

	var total int64
	for _, n := range []int32{1, 3, 5, 2} {
		if _, err := r.Append(buildBatch(0, n, []byte("x"))); err != nil {
			t.Fatalf("append %d records: %v", n, err)
		}
		total += int64(n)
	}

	if r.LEO() != total {
		t.Errorf("LEO = %d, want %d", r.LEO(), total)
	}
}

// TestReplicaLog_HW_MonotonicAndNeverExceedsLEO is property 2: HW never
// regresses and is always clipped to the log's current LEO.
func TestReplicaLog_HW_MonotonicAndNeverExceedsLEO(t *testing.T) {
	r := newTestReplicaLog(t, defaultTestConfig())
	if _, err := r.Append(buildBatch(0, 5, []byte("x"))); err != nil {
		t.Fatalf("append: %v", err)
	}

	if hw, err := r.UpdateHW(3); err != nil || hw != 3 {
		t.Fatalf("UpdateHW(3) = %d, %v; want 3, nil", hw, err)
	}
	if hw, err := r.UpdateHW(1); err != nil || hw != 3 {
		t.Fatalf("UpdateHW(1) regressed HW to %d, want it to stay at 3", hw)
	}
	if hw, err := r.UpdateHW(100); err != nil || hw != r.LEO() {
		t.Fatalf("UpdateHW(100) = %d, want clipped to LEO %d", hw, r.LEO())
	}
	if r.HW() > r.LEO() {
		t.Fatalf("HW %d exceeds LEO %d", r.HW(), r.LEO())
	}
}

// TestReplicaLog_ReadFrom_IdempotentAcrossSegments is property 5: repeated
// full scans from offset 0, crossing a segment roll boundary, always
// produce the identical sequence of batches.
func TestReplicaLog_ReadFrom_IdempotentAcrossSegments(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.SegmentConfig.SegmentMaxBytes = 100 // one batch (61+39 bytes) per segment
	r := newTestReplicaLog(t, cfg)

	payload := bytes.Repeat([]byte("y"), 39)
	for i := 0; i < 3; i++ {
		if _, err := r.Append(buildBatch(0, 1, payload)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if len(r.Segments) < 2 {
		t.Fatalf("expected a roll to have produced multiple segments, got %d", len(r.Segments))
	}

	readAll := func() []byte {
		var out []byte
		offset := int64(0)
		for offset < r.LEO() {
			chunk, err := r.ReadFrom(offset, 1<<20, WatermarkLEO)
			if err != nil {
				t.Fatalf("ReadFrom(%d): %v", offset, err)
			}
			if len(chunk) == 0 {
				break
			}
			out = append(out, chunk...)

			stream := batch.NewSliceStream(chunk)
			next := offset
			for {
				at := stream.Next()
				if at == nil {
					break
				}
				next = at.Batch.Header.BaseOffset + int64(at.Batch.Header.RecordsCount)
			}
			if next == offset {
				t.Fatalf("ReadFrom(%d) made no progress", offset)
			}
			offset = next
		}
		return out
	}

	first := readAll()
	second := readAll()
	if len(first) == 0 {
		t.Fatal("expected some data from a full scan")
	}
	if !bytes.Equal(first, second) {
		t.Fatal("repeated full scans from offset 0 are not idempotent")
	}
}

// TestReplicaLog_ReadFrom_NeverYieldsTruncatedTrailingBatch is property 6:
// a torn trailing batch left by a crash mid-append must never surface in a
// read, while every batch before it still does.
func TestReplicaLog_ReadFrom_NeverYieldsTruncatedTrailingBatch(t *testing.T) {
	cfg := defaultTestConfig()
	dir := t.TempDir()
	key := ReplicaKey{Topic: "orders", Partition: 0}
	cache := resource.NewSegmentCache(10)
	defer cache.Close()

	r, err := Open(dir, key, cfg, cache)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Append(buildBatch(0, 4, []byte("valid"))); err != nil {
		t.Fatalf("append: %v", err)
	}
	validLEO := r.LEO()
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	logPath := filepath.Join(dir, fmt.Sprintf("%s-%d", key.Topic, key.Partition), fmt.Sprintf("%020d.log", 0))
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		t.Fatalf("open log for corruption: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF}); err != nil {
		t.Fatalf("write torn tail: %v", err)
	}
	f.Close()

	r2, err := Open(dir, key, cfg, cache)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()

	if r2.LEO() != validLEO {
		t.Fatalf("LEO after recovery = %d, want %d (torn tail must not count)", r2.LEO(), validLEO)
	}

	data, err := r2.ReadFrom(0, 1<<20, WatermarkLEO)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}

	stream := batch.NewSliceStream(data)
	var last int64
	count := 0
	for {
		at := stream.Next()
		if at == nil {
			break
		}
		last = at.Batch.Header.BaseOffset + int64(at.Batch.Header.RecordsCount)
		count++
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("decoding the recovered data surfaced an error: %v", err)
	}
	if count != 1 || last != validLEO {
		t.Fatalf("expected exactly the one valid batch up to LEO %d, got count=%d last=%d", validLEO, count, last)
	}
}
