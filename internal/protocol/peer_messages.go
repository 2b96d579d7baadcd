package protocol

import (
	"encoding/binary"
	"fmt"
)

// The peer protocol's payloads are flat, length-prefixed binary records —
// no schema registry, no code generation, matching the rest of this
// protocol package's hand-rolled framing style.

func putString(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(s)))
	offset += 2
	copy(buf[offset:], s)
	return offset + len(s)
}

func getString(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", 0, ErrPacketTooShort
	}
	n := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+n > len(buf) {
		return "", 0, ErrPacketTooShort
	}
	return string(buf[offset : offset+n]), offset + n, nil
}

// FetchStreamRequest is sent by a follower to register for a continuous
// stream of a leader's replica, starting at FetchOffset.
type FetchStreamRequest struct {
	FollowerID  int32
	Topic       string
	Partition   int32
	FetchOffset int64
	MaxBytes    int32
}

func (r FetchStreamRequest) Encode() []byte {
	buf := make([]byte, 4+2+len(r.Topic)+4+8+4)
	offset := 0
	binary.BigEndian.PutUint32(buf[offset:], uint32(r.FollowerID))
	offset += 4
	offset = putString(buf, offset, r.Topic)
	binary.BigEndian.PutUint32(buf[offset:], uint32(r.Partition))
	offset += 4
	binary.BigEndian.PutUint64(buf[offset:], uint64(r.FetchOffset))
	offset += 8
	binary.BigEndian.PutUint32(buf[offset:], uint32(r.MaxBytes))
	return buf[:offset+4]
}

func DecodeFetchStreamRequest(buf []byte) (FetchStreamRequest, error) {
	var r FetchStreamRequest
	if len(buf) < 4 {
		return r, ErrPacketTooShort
	}
	r.FollowerID = int32(binary.BigEndian.Uint32(buf[0:]))
	topic, offset, err := getString(buf, 4)
	if err != nil {
		return r, err
	}
	r.Topic = topic
	if offset+16 > len(buf) {
		return r, ErrPacketTooShort
	}
	r.Partition = int32(binary.BigEndian.Uint32(buf[offset:]))
	offset += 4
	r.FetchOffset = int64(binary.BigEndian.Uint64(buf[offset:]))
	offset += 8
	r.MaxBytes = int32(binary.BigEndian.Uint32(buf[offset:]))
	return r, nil
}

// FetchStreamResponse acknowledges registration (sent once, before the
// leader begins pushing raw batch bytes on the same connection).
type FetchStreamResponse struct {
	FollowerID int32
	Accepted   bool
}

func (r FetchStreamResponse) Encode() []byte {
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:], uint32(r.FollowerID))
	if r.Accepted {
		buf[4] = 1
	}
	return buf
}

func DecodeFetchStreamResponse(buf []byte) (FetchStreamResponse, error) {
	var r FetchStreamResponse
	if len(buf) < 5 {
		return r, ErrPacketTooShort
	}
	r.FollowerID = int32(binary.BigEndian.Uint32(buf[0:]))
	r.Accepted = buf[4] != 0
	return r, nil
}

// PeerFileTopicRequest asks the leader for a replica's current file-backed
// layout (base offset, LEO, HW) before streaming begins.
type PeerFileTopicRequest struct {
	Topic     string
	Partition int32
}

func (r PeerFileTopicRequest) Encode() []byte {
	buf := make([]byte, 2+len(r.Topic)+4)
	offset := putString(buf, 0, r.Topic)
	binary.BigEndian.PutUint32(buf[offset:], uint32(r.Partition))
	return buf
}

func DecodePeerFileTopicRequest(buf []byte) (PeerFileTopicRequest, error) {
	var r PeerFileTopicRequest
	topic, offset, err := getString(buf, 0)
	if err != nil {
		return r, err
	}
	r.Topic = topic
	if offset+4 > len(buf) {
		return r, ErrPacketTooShort
	}
	r.Partition = int32(binary.BigEndian.Uint32(buf[offset:]))
	return r, nil
}

// PeerFileTopicResponse reports a replica's current replication offsets.
type PeerFileTopicResponse struct {
	BaseOffset int64
	LEO        int64
	HW         int64
}

func (r PeerFileTopicResponse) Encode() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:], uint64(r.BaseOffset))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.LEO))
	binary.BigEndian.PutUint64(buf[16:], uint64(r.HW))
	return buf
}

func DecodePeerFileTopicResponse(buf []byte) (PeerFileTopicResponse, error) {
	var r PeerFileTopicResponse
	if len(buf) < 24 {
		return r, ErrPacketTooShort
	}
	r.BaseOffset = int64(binary.BigEndian.Uint64(buf[0:]))
	r.LEO = int64(binary.BigEndian.Uint64(buf[8:]))
	r.HW = int64(binary.BigEndian.Uint64(buf[16:]))
	return r, nil
}

// UpdateOffsetRequest is sent follower -> leader after each applied chunk,
// reporting the follower's new LEO (and its own view of HW).
type UpdateOffsetRequest struct {
	FollowerID int32
	Topic      string
	Partition  int32
	LEO        int64
	HW         int64
}

func (r UpdateOffsetRequest) Encode() []byte {
	buf := make([]byte, 4+2+len(r.Topic)+4+8+8)
	offset := 0
	binary.BigEndian.PutUint32(buf[offset:], uint32(r.FollowerID))
	offset += 4
	offset = putString(buf, offset, r.Topic)
	binary.BigEndian.PutUint32(buf[offset:], uint32(r.Partition))
	offset += 4
	binary.BigEndian.PutUint64(buf[offset:], uint64(r.LEO))
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(r.HW))
	return buf[:offset+8]
}

// EncodeReplicatedChunk wraps a run of raw batch bytes pushed over
// FetchStream with the leader's high-watermark at the moment of the push,
// so the follower can advance its own HW without a separate round trip.
func EncodeReplicatedChunk(leaderHW int64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(leaderHW))
	copy(buf[8:], data)
	return buf
}

// DecodeReplicatedChunk is the inverse of EncodeReplicatedChunk.
func DecodeReplicatedChunk(payload []byte) (leaderHW int64, data []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, ErrPacketTooShort
	}
	leaderHW = int64(binary.BigEndian.Uint64(payload[0:8]))
	return leaderHW, payload[8:], nil
}

func DecodeUpdateOffsetRequest(buf []byte) (UpdateOffsetRequest, error) {
	var r UpdateOffsetRequest
	if len(buf) < 4 {
		return r, ErrPacketTooShort
	}
	r.FollowerID = int32(binary.BigEndian.Uint32(buf[0:]))
	topic, offset, err := getString(buf, 4)
	if err != nil {
		return r, err
	}
	r.Topic = topic
	if offset+20 > len(buf) {
		return r, fmt.Errorf("%w: update_offset body", ErrPacketTooShort)
	}
	r.Partition = int32(binary.BigEndian.Uint32(buf[offset:]))
	offset += 4
	r.LEO = int64(binary.BigEndian.Uint64(buf[offset:]))
	offset += 8
	r.HW = int64(binary.BigEndian.Uint64(buf[offset:]))
	return r, nil
}
