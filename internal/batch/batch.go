// Package batch implements the on-disk record batch codec: a fixed 61-byte
// header (offsets, CRC, timestamps, producer bookkeeping) followed by a
// variable-length, varint-encoded records payload.
package batch

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fluxlog/spu/pkg"
)

var (
	ErrInsufficientData = errors.New("insufficient data to decode record batch")
	ErrInvalidMagic     = errors.New("invalid magic byte (expected 2)")
	ErrCRCMismatch      = errors.New("crc mismatch")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

const (
	HeaderSize          = 61
	PreambleSize        = OffsetFieldSize + LengthFieldSize
	OffsetFieldSize     = 8
	LengthFieldSize     = 4
	MagicByte      int8 = 2
)

// Header is the fixed-size preamble+header of a record batch.
type Header struct {
	BaseOffset           int64
	BatchLength          int32
	PartitionLeaderEpoch int32
	Magic                int8
	CRC                  uint32
	Attributes           int16
	LastOffsetDelta      int32
	BaseTimestamp        int64
	MaxTimestamp         int64
	ProducerId           int64
	ProducerEpoch        int16
	BaseSequence         int32
	RecordsCount         int32
}

// LastOffset returns the absolute offset of the final record in the batch.
func (h Header) LastOffset() int64 {
	return h.BaseOffset + int64(h.LastOffsetDelta)
}

// Batch wraps a decoded header and a zero-copy view of its records payload.
type Batch struct {
	Header  Header
	Payload []byte
}

// Decode parses and CRC-validates a batch header in place; Payload aliases data.
func Decode(data []byte) (*Batch, error) {
	if len(data) < HeaderSize {
		return nil, ErrInsufficientData
	}

	h := Header{}
	h.BaseOffset = int64(pkg.Encod.Uint64(data[0:8]))
	h.BatchLength = int32(pkg.Encod.Uint32(data[8:12]))

	if int64(len(data)) < int64(h.BatchLength)+int64(PreambleSize) {
		return nil, ErrInsufficientData
	}

	h.PartitionLeaderEpoch = int32(pkg.Encod.Uint32(data[12:16]))
	h.Magic = int8(data[16])
	if h.Magic != MagicByte {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMagic, h.Magic)
	}

	h.CRC = pkg.Encod.Uint32(data[17:21])
	h.Attributes = int16(pkg.Encod.Uint16(data[21:23]))
	h.LastOffsetDelta = int32(pkg.Encod.Uint32(data[23:27]))
	h.BaseTimestamp = int64(pkg.Encod.Uint64(data[27:35]))
	h.MaxTimestamp = int64(pkg.Encod.Uint64(data[35:43]))
	h.ProducerId = int64(pkg.Encod.Uint64(data[43:51]))
	h.ProducerEpoch = int16(pkg.Encod.Uint16(data[51:53]))
	h.BaseSequence = int32(pkg.Encod.Uint32(data[53:57]))
	h.RecordsCount = int32(pkg.Encod.Uint32(data[57:61]))

	payloadEnd := int(PreambleSize) + int(h.BatchLength)

	calcCRC := crc32.Checksum(data[21:], crcTable)
	if calcCRC != h.CRC {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrCRCMismatch, h.CRC, calcCRC)
	}

	return &Batch{
		Header:  h,
		Payload: data[HeaderSize:payloadEnd],
	}, nil
}

// Size returns the total on-disk size of the batch, preamble included.
func (b *Batch) Size() int {
	return int(PreambleSize) + int(b.Header.BatchLength)
}

// PeekLength reads only the preamble (offset+length) of a batch at the start
// of data, without validating or decoding the rest of the header. Used by
// scanners that need to skip past a batch without paying for a full decode.
func PeekLength(data []byte) (baseOffset int64, totalSize int64, ok bool) {
	if len(data) < int(PreambleSize) {
		return 0, 0, false
	}
	baseOffset = int64(pkg.Encod.Uint64(data[0:8]))
	batchLen := int32(pkg.Encod.Uint32(data[8:12]))
	return baseOffset, int64(PreambleSize) + int64(batchLen), true
}
