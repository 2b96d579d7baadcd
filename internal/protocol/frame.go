package protocol

import (
	"encoding/binary"
	"io"
)

// ApiKey identifies a peer-to-peer (leader<->follower) protocol message.
// These are distinct from, and numbered separately than, the client-facing
// ApiKeyProduce/ApiKeyFetch request codes in request.go.
type ApiKey int16

const (
	ApiKeyFetchStream   ApiKey = 1000
	ApiKeyPeerFileTopic ApiKey = 1001
	ApiKeyUpdateOffset  ApiKey = 1002
)

const (
	frameLengthSize        = 4
	frameApiKeySize        = 2
	frameApiVersionSize    = 2
	frameCorrelationIDSize = 4
	frameHeaderSize        = frameApiKeySize + frameApiVersionSize + frameCorrelationIDSize
)

// Frame is the symmetric wire envelope used by the peer protocol: either
// side can send one, in contrast to the client-facing request/response
// split in request.go and response.go. Layout: [length(4)][api_key(2)][api_version(2)]
// [correlation_id(4)][payload].
type Frame struct {
	ApiKey        ApiKey
	ApiVersion    int16
	CorrelationID int32
	Payload       []byte
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	length := frameHeaderSize + len(f.Payload)

	header := make([]byte, frameLengthSize+frameHeaderSize)
	offset := 0
	binary.BigEndian.PutUint32(header[offset:], uint32(length))
	offset += frameLengthSize
	binary.BigEndian.PutUint16(header[offset:], uint16(f.ApiKey))
	offset += frameApiKeySize
	binary.BigEndian.PutUint16(header[offset:], uint16(f.ApiVersion))
	offset += frameApiVersionSize
	binary.BigEndian.PutUint32(header[offset:], uint32(f.CorrelationID))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads and parses one Frame from r. An unrecognized ApiKey is
// still returned (not an error) — callers close the connection themselves,
// per the peer protocol's "unknown api_key closes the connection" rule.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [frameLengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if length < frameHeaderSize || int(length) > MAX_REQUEST_SIZE {
		return nil, ErrInvalidRequestSize
	}

	bufPtr := GetBufferWithCapacity(int(length))
	body := *bufPtr
	if _, err := io.ReadFull(r, body); err != nil {
		PutBuffer(bufPtr)
		return nil, err
	}
	defer PutBuffer(bufPtr)

	offset := 0
	apiKey := ApiKey(binary.BigEndian.Uint16(body[offset:]))
	offset += frameApiKeySize
	apiVersion := int16(binary.BigEndian.Uint16(body[offset:]))
	offset += frameApiVersionSize
	correlationID := int32(binary.BigEndian.Uint32(body[offset:]))
	offset += frameCorrelationIDSize

	payload := make([]byte, len(body)-offset)
	copy(payload, body[offset:])

	return &Frame{
		ApiKey:        apiKey,
		ApiVersion:    apiVersion,
		CorrelationID: correlationID,
		Payload:       payload,
	}, nil
}
