package segment

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fluxlog/spu/internal/batch"
)

// Segment pairs a mutable, mmap-backed data file with a sparse offset index.
// A Segment is either the single active (writable) segment of a replica log
// or one of its sealed (read-only) predecessors.
type Segment struct {
	mu               sync.RWMutex
	BaseOffset       int64
	NextOffset       int64
	LargestTimestamp int64 // max timestamp in this segment (ms)

	log    *Log
	index  *Index
	config Config

	lastIndexedPos int64
}

func NewSegment(dir string, baseOffset int64, c Config) (*Segment, error) {
	logPath := filepath.Join(dir, fmt.Sprintf("%020d.log", baseOffset))
	l, err := NewLog(logPath, c.SegmentMaxBytes, c.FlushPolicy)
	if err != nil {
		return nil, err
	}

	idxPath := filepath.Join(dir, fmt.Sprintf("%020d.index", baseOffset))
	idx, err := NewIndex(idxPath, c.IndexMaxBytes)
	if err != nil {
		l.Close()
		return nil, err
	}

	s := &Segment{
		BaseOffset: baseOffset,
		log:        l,
		index:      idx,
		config:     c,
	}

	if err := s.recover(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Append decodes and validates batchBytes, appends it to the data file, and
// writes a sparse index entry whenever at least IndexIntervalBytes have
// accumulated since the previous entry.
func (s *Segment) Append(batchBytes []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := batch.Decode(batchBytes)
	if err != nil {
		return 0, err
	}

	n, pos, err := s.log.Append(batchBytes)
	if err != nil {
		return 0, err
	}

	if n > 0 && pos-s.lastIndexedPos >= s.config.IndexIntervalBytes {
		relOffset := int32(b.Header.BaseOffset - s.BaseOffset)
		if err := s.index.Write(relOffset, int32(pos)); err == nil {
			s.lastIndexedPos = pos
		}
	}

	if b.Header.MaxTimestamp > s.LargestTimestamp {
		s.LargestTimestamp = b.Header.MaxTimestamp
	}

	curr := s.NextOffset
	s.NextOffset += int64(b.Header.RecordsCount)
	return curr, nil
}

// ShouldRoll reports whether this segment has outgrown its data or index
// file and a new active segment should be rolled in behind it.
func (s *Segment) ShouldRoll() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Size() >= s.config.SegmentMaxBytes || s.index.size >= s.config.IndexMaxBytes
}

// Read finds the batch containing targetOffset and returns a chunk of
// consecutive batches starting there, up to maxBytes.
func (s *Segment) Read(targetOffset int64, maxBytes int32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if targetOffset < s.BaseOffset || targetOffset >= s.NextOffset {
		return nil, ErrOffsetOutOfRange
	}

	pos, err := s.locate(targetOffset)
	if err != nil {
		return nil, err
	}

	return s.log.ReadAt(pos, maxBytes)
}

// locate performs an index-assisted, then linear, scan for the file position
// of the batch that contains (or first follows) targetOffset. Caller must
// hold at least a read lock.
func (s *Segment) locate(targetOffset int64) (int64, error) {
	rel := int32(targetOffset - s.BaseOffset)
	startPos, err := s.index.Lookup(rel)
	if err != nil {
		return 0, err
	}

	stream := batch.NewStream(s.log, startPos)
	for {
		at := stream.Next()
		if at == nil {
			return 0, ErrOffsetOutOfRange
		}
		if at.Batch.Header.LastOffset() < targetOffset {
			continue
		}
		return at.Pos, nil
	}
}

// recover rebuilds NextOffset and the log's logical size by scanning forward
// from the index's last hint, and regenerates the index if it was truncated
// or lost entirely. It reads through the log's raw pre-allocated capacity
// rather than its logical size (which is always zero immediately after
// NewLog, even when reopening a segment with real on-disk data) and stops at
// the first batch preamble that is either all-zero (untouched padding, a
// clean end of real data) or too short to be a whole batch (a torn write
// from a crash mid-append).
func (s *Segment) recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, lastPos, _ := s.index.LastEntry()
	if int64(lastPos) > s.log.Capacity() {
		lastPos = 0
	}

	currentPos := int64(lastPos)
	lastNextOffset := s.BaseOffset
	lastIndexedPos := currentPos

	for currentPos < s.log.Capacity() {
		preamble, err := s.log.ReadCapacityRaw(currentPos, int(batch.PreambleSize))
		if err != nil || len(preamble) < int(batch.PreambleSize) {
			break
		}

		_, totalSize, ok := batch.PeekLength(preamble)
		if !ok || totalSize <= int64(batch.PreambleSize) {
			break
		}

		batchData, err := s.log.ReadCapacityRaw(currentPos, int(totalSize))
		if err != nil || int64(len(batchData)) < totalSize {
			break
		}

		b, err := batch.Decode(batchData)
		if err != nil {
			break
		}

		if currentPos-lastIndexedPos >= s.config.IndexIntervalBytes {
			relOffset := int32(b.Header.BaseOffset - s.BaseOffset)
			if err := s.index.Write(relOffset, int32(currentPos)); err == nil {
				lastIndexedPos = currentPos
			}
		}

		lastNextOffset = b.Header.BaseOffset + int64(b.Header.RecordsCount)
		if b.Header.MaxTimestamp > s.LargestTimestamp {
			s.LargestTimestamp = b.Header.MaxTimestamp
		}
		currentPos += totalSize
	}

	s.NextOffset = lastNextOffset
	s.lastIndexedPos = lastIndexedPos
	s.log.SetSize(currentPos)

	return nil
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.index.Close()
	_ = s.log.Close()
	return nil
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Size()
}

func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Delete(); err != nil {
		return err
	}
	return s.log.Delete()
}
