package replicalog

import (
	"fmt"
	"time"

	"github.com/fluxlog/spu/internal/segment"
)

// DeleteOldSegments removes sealed (non-active) segments that have aged out
// under RetentionMs, then — if the log is still over RetentionBytes — keeps
// deleting the oldest remaining sealed segments until it fits. Either check
// is skipped when its config value is negative.
func (r *ReplicaLog) DeleteOldSegments() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Config.RetentionMs >= 0 {
		if err := r.deleteExpiredByAge(); err != nil {
			return err
		}
	}
	if r.Config.RetentionBytes >= 0 {
		if err := r.deleteExpiredByBytes(); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReplicaLog) deleteExpiredByAge() error {
	now := time.Now().UnixMilli()

	for len(r.Segments) > 1 {
		baseOffset := r.Segments[0]
		seg, err := r.openSealed(baseOffset)
		if err != nil {
			return err
		}

		age := now - seg.LargestTimestamp
		if age < r.Config.RetentionMs {
			break
		}

		if err := r.deleteOldest(); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReplicaLog) deleteExpiredByBytes() error {
	for len(r.Segments) > 1 && r.totalSize() > r.Config.RetentionBytes {
		if err := r.deleteOldest(); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the replica's total on-disk footprint across all segments.
func (r *ReplicaLog) Size() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalSize()
}

func (r *ReplicaLog) totalSize() int64 {
	var total int64
	for _, baseOffset := range r.Segments {
		if baseOffset == r.activeSegment.BaseOffset {
			total += r.activeSegment.Size()
			continue
		}
		seg, err := r.openSealed(baseOffset)
		if err != nil {
			continue
		}
		total += seg.Size()
	}
	return total
}

func (r *ReplicaLog) openSealed(baseOffset int64) (*segment.Segment, error) {
	cacheKey := fmt.Sprintf("%s-%d", r.Key, baseOffset)
	return r.cache.GetOrLoad(cacheKey, func() (*segment.Segment, error) {
		return segment.NewSegment(r.Dir, baseOffset, r.Config.SegmentConfig)
	})
}

// deleteOldest removes the oldest sealed segment from disk and from the
// in-memory segment list. Caller must hold the write lock and must have
// already verified len(r.Segments) > 1 (the active segment is never deleted).
func (r *ReplicaLog) deleteOldest() error {
	baseOffset := r.Segments[0]
	cacheKey := fmt.Sprintf("%s-%d", r.Key, baseOffset)

	r.cache.Remove(cacheKey)

	if r.Config.FileDelayDeleteMs > 0 {
		time.AfterFunc(time.Duration(r.Config.FileDelayDeleteMs)*time.Millisecond, func() {
			_ = segment.RemoveFiles(r.Dir, baseOffset)
		})
	} else if err := segment.RemoveFiles(r.Dir, baseOffset); err != nil {
		return err
	}

	r.Segments = r.Segments[1:]
	return nil
}
