package segment

import (
	"os"
	"sync"
	"syscall"

	"github.com/fluxlog/spu/internal/batch"

	"golang.org/x/sys/unix"
)

type Log struct {
	mu     sync.RWMutex
	file   *os.File
	data   []byte // mmap region
	size   int64  // logical size (valid data limit)
	policy FlushPolicy
}

func NewLog(path string, maxBytes int64, policy FlushPolicy) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// Pre-allocation
	if fi.Size() < maxBytes {
		if err := f.Truncate(maxBytes); err != nil {
			f.Close()
			return nil, err
		}
	}

	data, err := syscall.Mmap(
		int(f.Fd()), 0, int(maxBytes),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED,
	)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Log{file: f, data: data, size: 0, policy: policy}, nil
}

// Size returns the logical size of the log.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// SetSize manually updates the logical size (used during recovery).
func (l *Log) SetSize(size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.size = size
}

func (l *Log) Append(b []byte) (int, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(b)
	if l.size+int64(n) > int64(len(l.data)) {
		return 0, 0, ErrSegmentFull
	}

	copy(l.data[l.size:], b)
	pos := l.size
	l.size += int64(n)

	if l.policy == FlushSync {
		// Msync wants a page-aligned range; sync the whole mapping
		// rather than just the freshly written bytes.
		_ = unix.Msync(l.data, unix.MS_SYNC)
	}

	return n, pos, nil
}

// logView exposes Log's mapped region as a batch.Source without taking
// Log's own lock, for use by callers (ReadAt) that already hold it.
type logView struct {
	l *Log
}

func (v logView) Size() int64 { return v.l.size }

func (v logView) ReadRaw(pos int64, size int) ([]byte, error) {
	if pos < 0 || pos+int64(size) > v.l.size {
		return nil, nil
	}
	return v.l.data[pos : pos+int64(size)], nil
}

// ReadAt accumulates whole batches starting at pos, up to maxBytes, reading
// batch boundaries through batch.Stream (the spec's read_next contract: nil
// at clean end-of-log, io.ErrUnexpectedEOF on a torn trailing batch). The
// first batch is always included even if it alone exceeds maxBytes, to
// guarantee read progress; a torn batch encountered before anything else
// has been accumulated is surfaced to the caller rather than swallowed.
func (l *Log) ReadAt(pos int64, maxBytes int32) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos >= l.size {
		return nil, ErrOffsetOutOfRange
	}

	stream := batch.NewStream(logView{l}, pos)
	totalBytes := int64(0)

	for {
		at := stream.Next()
		if at == nil {
			break
		}
		span := at.TotalLen()
		if totalBytes > 0 && totalBytes+span > int64(maxBytes) {
			break
		}
		totalBytes += span
		if totalBytes >= int64(maxBytes) {
			break
		}
	}

	if totalBytes == 0 {
		if err := stream.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return l.data[pos : pos+totalBytes], nil
}

// ReadRaw reads exactly `size` bytes, bounded by the log's logical size.
func (l *Log) ReadRaw(pos int64, size int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return logView{l}.ReadRaw(pos, size)
}

// Capacity returns the log's pre-allocated file size, as opposed to Size's
// logical data length. Used only by recovery, which must scan the raw
// mapped region to discover the logical size in the first place.
func (l *Log) Capacity() int64 {
	return int64(len(l.data))
}

// ReadCapacityRaw reads size bytes at pos from the raw mapped region,
// bounded by the log's pre-allocated capacity rather than its logical size.
// Used only by recovery.
func (l *Log) ReadCapacityRaw(pos int64, size int) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos < 0 || pos+int64(size) > int64(len(l.data)) {
		return nil, nil
	}
	return l.data[pos : pos+int64(size)], nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = unix.Msync(l.data, unix.MS_SYNC)
	_ = syscall.Munmap(l.data)
	_ = l.file.Truncate(l.size) // Trim to actual data size
	return l.file.Close()
}

func (l *Log) Delete() error {
	path := l.file.Name()
	_ = syscall.Munmap(l.data)
	_ = l.file.Close()
	return os.Remove(path)
}
