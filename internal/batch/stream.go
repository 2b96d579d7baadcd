package batch

import "io"

// Source is the minimal read surface a BatchStream needs: a bounded byte
// range reader plus a logical size, satisfied by segment.Log without this
// package importing segment.
type Source interface {
	ReadRaw(pos int64, size int) ([]byte, error)
	Size() int64
}

// AtPos is a decoded batch paired with its file position and total on-disk
// span, mirroring fluvio's FileBatchPos: a batch plus where it sits on disk.
type AtPos struct {
	Batch *Batch
	Pos   int64
}

// TotalLen is the number of bytes this batch occupies on disk, preamble
// included — the stride used to advance to the next batch position.
func (a AtPos) TotalLen() int64 {
	return int64(a.Batch.Size())
}

// ReadAt reads and decodes the batch whose preamble begins at pos in src.
// A clean end-of-log (zero bytes available) returns (nil, nil); a partial
// preamble or truncated body returns io.ErrUnexpectedEOF.
func ReadAt(src Source, pos int64) (*AtPos, error) {
	if pos >= src.Size() {
		return nil, nil
	}
	if src.Size()-pos < int64(PreambleSize) {
		return nil, io.ErrUnexpectedEOF
	}

	preamble, err := src.ReadRaw(pos, int(PreambleSize))
	if err != nil {
		return nil, err
	}
	if len(preamble) == 0 {
		return nil, nil
	}
	if len(preamble) < int(PreambleSize) {
		return nil, io.ErrUnexpectedEOF
	}

	_, totalSize, ok := PeekLength(preamble)
	if !ok || totalSize <= int64(PreambleSize) {
		return nil, io.ErrUnexpectedEOF
	}

	full, err := src.ReadRaw(pos, int(totalSize))
	if err != nil {
		return nil, err
	}
	if int64(len(full)) < totalSize {
		return nil, io.ErrUnexpectedEOF
	}

	b, err := Decode(full)
	if err != nil {
		return nil, err
	}

	return &AtPos{Batch: b, Pos: pos}, nil
}

// sliceSource adapts an in-memory byte slice to Source, for streams that
// iterate a buffer already read into memory (a pushed replication chunk)
// rather than a file-backed segment.
type sliceSource []byte

func (s sliceSource) Size() int64 { return int64(len(s)) }

func (s sliceSource) ReadRaw(pos int64, size int) ([]byte, error) {
	if pos < 0 || pos+int64(size) > int64(len(s)) {
		return nil, nil
	}
	return s[pos : pos+int64(size)], nil
}

// NewSliceStream returns a Stream over an in-memory batch-aligned buffer,
// starting at position 0.
func NewSliceStream(data []byte) *Stream {
	return NewStream(sliceSource(data), 0)
}

// Stream iterates consecutive batches of a Source starting at a given
// position, stopping cleanly at end-of-log or latching the first error.
type Stream struct {
	src     Source
	pos     int64
	invalid error
}

// NewStream returns a Stream over src starting at pos.
func NewStream(src Source, pos int64) *Stream {
	return &Stream{src: src, pos: pos}
}

// Pos returns the stream's current read position.
func (s *Stream) Pos() int64 { return s.pos }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error { return s.invalid }

// Next returns the next batch, or nil at clean end-of-log or after an error
// (check Err to distinguish the two).
func (s *Stream) Next() *AtPos {
	if s.invalid != nil {
		return nil
	}

	next, err := ReadAt(s.src, s.pos)
	if err != nil {
		s.invalid = err
		return nil
	}
	if next == nil {
		return nil
	}

	s.pos += next.TotalLen()
	return next
}
