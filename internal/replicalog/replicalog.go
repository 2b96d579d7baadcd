// Package replicalog manages a single replica's ordered segment chain and
// its replication bookkeeping: the log-end-offset (LEO) implicit in the
// active segment, and the high-watermark (HW) up to which client reads are
// permitted.
package replicalog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fluxlog/spu/internal/batch"
	"github.com/fluxlog/spu/internal/checkpoint"
	"github.com/fluxlog/spu/internal/resource"
	"github.com/fluxlog/spu/internal/segment"
)

// ReplicaKey names a single partition replica.
type ReplicaKey struct {
	Topic     string
	Partition int32
}

func (k ReplicaKey) String() string {
	return fmt.Sprintf("%s-%d", k.Topic, k.Partition)
}

// Watermark selects which offset a read is clipped to.
type Watermark int

const (
	// WatermarkHW restricts reads to committed data only (client reads).
	WatermarkHW Watermark = iota
	// WatermarkLEO allows reads of uncommitted data (peer fetch-stream).
	WatermarkLEO
)

// ReplicaLog manages a sequential list of segments for one replica, plus its
// HW. It uses a shared global LRU cache for read-only segments so a broker
// running many partitions doesn't exhaust file descriptors.
type ReplicaLog struct {
	mu  sync.RWMutex
	Dir string
	Key ReplicaKey

	// Segments stores the BaseOffsets of all segments, metadata only.
	Segments []int64

	activeSegment *segment.Segment
	cache         *resource.SegmentCache
	checkpoint    *checkpoint.Store

	hw     int64
	Config Config
}

// Open creates or recovers a replica log rooted at baseDir/topic-partition.
func Open(baseDir string, key ReplicaKey, c Config, resCache *resource.SegmentCache) (*ReplicaLog, error) {
	dir := filepath.Join(baseDir, fmt.Sprintf("%s-%d", key.Topic, key.Partition))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	r := &ReplicaLog{
		Dir:        dir,
		Key:        key,
		Config:     c,
		Segments:   make([]int64, 0),
		cache:      resCache,
		checkpoint: checkpoint.Open(filepath.Join(dir, "replication.checkpoint")),
	}

	if err := r.scanSegments(); err != nil {
		return nil, err
	}

	if len(r.Segments) == 0 {
		seg, err := segment.NewSegment(r.Dir, 0, c.SegmentConfig)
		if err != nil {
			return nil, err
		}
		r.Segments = append(r.Segments, 0)
		r.activeSegment = seg
	} else {
		lastOffset := r.Segments[len(r.Segments)-1]
		seg, err := segment.NewSegment(r.Dir, lastOffset, c.SegmentConfig)
		if err != nil {
			return nil, err
		}
		r.activeSegment = seg
	}

	if offset, ok, err := r.checkpoint.Load(); err != nil {
		return nil, err
	} else if ok {
		r.hw = clamp(offset, 0, r.activeSegment.NextOffset)
	}

	return r, nil
}

func (r *ReplicaLog) scanSegments() error {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".log") {
			prefix := strings.TrimSuffix(name, ".log")
			baseOffset, err := strconv.ParseInt(prefix, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid segment filename: %s", name)
			}
			r.Segments = append(r.Segments, baseOffset)
		}
	}

	sort.Slice(r.Segments, func(i, j int) bool { return r.Segments[i] < r.Segments[j] })
	return nil
}

// Append writes a batch to the active segment, rolling to a new segment
// first if the active one has outgrown its configured limits. The batch's
// base offset field is overwritten in place with the log's real next offset.
func (r *ReplicaLog) Append(batchBytes []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(batchBytes) < 8 {
		return 0, fmt.Errorf("invalid batch data length: %d", len(batchBytes))
	}

	if r.activeSegment.ShouldRoll() {
		if err := r.roll(); err != nil {
			return 0, err
		}
	}

	currentOffset := r.activeSegment.NextOffset
	binary.BigEndian.PutUint64(batchBytes[0:8], uint64(currentOffset))

	offset, err := r.activeSegment.Append(batchBytes)
	if err == segment.ErrSegmentFull {
		if rollErr := r.roll(); rollErr != nil {
			return 0, rollErr
		}
		binary.BigEndian.PutUint64(batchBytes[0:8], uint64(r.activeSegment.NextOffset))
		return r.activeSegment.Append(batchBytes)
	}
	return offset, err
}

// AppendReplicated writes a batch received from a leader verbatim — unlike
// Append, it never rewrites the batch's base offset, since the leader has
// already assigned it. If the batch's base offset doesn't match this log's
// current LEO, the follower has diverged (fallen behind a gap, or the
// leader restarted at a different offset) and ErrOffsetMismatch is
// returned; the caller is expected to disconnect and reconnect rather than
// attempt any local repair.
func (r *ReplicaLog) AppendReplicated(batchBytes []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	decoded, err := decodeBatchHeader(batchBytes)
	if err != nil {
		return 0, err
	}
	if decoded.BaseOffset != r.activeSegment.NextOffset {
		return 0, ErrOffsetMismatch
	}

	if r.activeSegment.ShouldRoll() {
		if err := r.roll(); err != nil {
			return 0, err
		}
	}

	return r.activeSegment.Append(batchBytes)
}

func (r *ReplicaLog) roll() error {
	nextOffset := r.activeSegment.NextOffset
	if err := r.activeSegment.Close(); err != nil {
		return err
	}

	newSeg, err := segment.NewSegment(r.Dir, nextOffset, r.Config.SegmentConfig)
	if err != nil {
		return err
	}

	r.Segments = append(r.Segments, nextOffset)
	r.activeSegment = newSeg
	return nil
}

// LEO returns the replica's log-end-offset: the offset of the next record
// that will be appended.
func (r *ReplicaLog) LEO() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeSegment.NextOffset
}

// HW returns the replica's high-watermark.
func (r *ReplicaLog) HW() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hw
}

// EarliestOffset returns the base offset of the oldest segment still on
// disk (retention may have deleted everything before it).
func (r *ReplicaLog) EarliestOffset() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.Segments) == 0 {
		return r.activeSegment.BaseOffset
	}
	return r.Segments[0]
}

// UpdateHW advances the high-watermark to newHW and persists it. newHW is
// clamped to [currentHW, LEO]: callers proposing a value below the current
// HW or above LEO get the clamped value back, never a rollback and never an
// uncommitted promise.
func (r *ReplicaLog) UpdateHW(newHW int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clamped := clamp(newHW, r.hw, r.activeSegment.NextOffset)
	if clamped == r.hw {
		return r.hw, nil
	}

	if err := r.checkpoint.Save(clamped, time.Now().UnixMilli()); err != nil {
		return r.hw, err
	}
	r.hw = clamped
	return r.hw, nil
}

// ReadFrom returns a chunk of consecutive batches starting at offset, up to
// maxBytes, clipped to wm (HW for client reads, LEO for peer replication).
func (r *ReplicaLog) ReadFrom(offset int64, maxBytes int32, wm Watermark) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ceiling := r.activeSegment.NextOffset
	if wm == WatermarkHW {
		ceiling = r.hw
	}

	if len(r.Segments) == 0 || offset < r.Segments[0] {
		return nil, segment.ErrOffsetOutOfRange
	}
	if offset >= ceiling {
		return nil, nil
	}

	if offset >= r.activeSegment.BaseOffset {
		return r.readSegmentClipped(r.activeSegment, offset, maxBytes, ceiling)
	}

	idx := sort.Search(len(r.Segments), func(i int) bool { return r.Segments[i] > offset }) - 1
	if idx < 0 {
		idx = 0
	}
	targetBaseOffset := r.Segments[idx]
	cacheKey := fmt.Sprintf("%s-%d", r.Key, targetBaseOffset)

	loader := func() (*segment.Segment, error) {
		return segment.NewSegment(r.Dir, targetBaseOffset, r.Config.SegmentConfig)
	}

	seg, err := r.cache.GetOrLoad(cacheKey, loader)
	if err != nil {
		return nil, err
	}
	return r.readSegmentClipped(seg, offset, maxBytes, ceiling)
}

// readSegmentClipped reads from seg but never returns batches whose base
// offset reaches ceiling. A roll does not wait for HW, so a sealed segment
// can hold batches above HW just like the active one; the trim only does
// work when ceiling is below seg.NextOffset.
func (r *ReplicaLog) readSegmentClipped(seg *segment.Segment, offset int64, maxBytes int32, ceiling int64) ([]byte, error) {
	data, err := seg.Read(offset, maxBytes)
	if err != nil || len(data) == 0 {
		return data, err
	}
	if ceiling >= seg.NextOffset {
		return data, nil
	}

	stream := batch.NewSliceStream(data)
	trimmed := int64(0)
	for {
		at := stream.Next()
		if at == nil || at.Batch.Header.BaseOffset >= ceiling {
			break
		}
		trimmed = at.Pos + at.TotalLen()
	}
	return data[:trimmed], nil
}

// Close closes the active segment only; every cached sealed segment this
// log owns is left to the shared resource.SegmentCache's own lifecycle.
func (r *ReplicaLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeSegment != nil {
		return r.activeSegment.Close()
	}
	return nil
}

func decodeBatchHeader(batchBytes []byte) (batch.Header, error) {
	b, err := batch.Decode(batchBytes)
	if err != nil {
		return batch.Header{}, err
	}
	return b.Header, nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
